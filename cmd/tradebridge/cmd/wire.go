package cmd

import (
	"fmt"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/broker/mt5bridge"
	"github.com/rustyeddy/tradebridge/broker/sim"
	"github.com/rustyeddy/tradebridge/config"
	"github.com/rustyeddy/tradebridge/market"
	"github.com/rustyeddy/tradebridge/monitor"
	"github.com/rustyeddy/tradebridge/order"
	"github.com/rustyeddy/tradebridge/retry"
	"github.com/rustyeddy/tradebridge/service"
	"github.com/rustyeddy/tradebridge/session"
	"github.com/rustyeddy/tradebridge/symbols"
)

const paperBalance = 100000

// loadConfig reads .env files, then the config file when one is given.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if cfgFile != "" {
		cfg, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newClient(cfg config.BrokerConfig) (broker.Client, error) {
	switch cfg.Type {
	case "paper":
		e := sim.NewEngine(broker.Account{
			Login:    cfg.Login,
			Server:   cfg.Server,
			Currency: "USD",
			Balance:  paperBalance,
		})
		e.SetPassword(cfg.Password)
		for _, q := range cfg.Quotes {
			e.UpdatePrice(market.Tick{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask})
		}
		return e, nil
	case "mt5bridge":
		return mt5bridge.New(mt5bridge.Config{
			BaseURL:       cfg.URL,
			Token:         cfg.Token,
			Timeout:       config.MustDuration(cfg.Timeout),
			RatePerSecond: cfg.RateRPS,
			Burst:         cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
}

func serviceConfig(cfg *config.Config) service.Config {
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   config.MustDuration(cfg.Retry.BaseDelay),
	}

	var classes []monitor.Class
	for _, c := range cfg.Monitor.Classes {
		classes = append(classes, monitor.Class{
			Name:       c.Name,
			Match:      c.Match,
			Multiplier: c.Multiplier,
			MinProfit:  c.MinProfit,
		})
	}

	return service.Config{
		Workers: cfg.Bridge.Workers,
		Session: session.Config{
			Credentials: broker.Credentials{
				Login:    cfg.Broker.Login,
				Password: cfg.Broker.Password,
				Server:   cfg.Broker.Server,
			},
			Cooldown:       config.MustDuration(cfg.Session.Cooldown),
			ConnectTimeout: config.MustDuration(cfg.Session.ConnectTimeout),
		},
		Orders: order.Config{
			Magic:         cfg.Orders.Magic,
			Deviation:     cfg.Orders.Deviation,
			CommentPrefix: cfg.Orders.CommentPrefix,
			Filling:       broker.Filling(cfg.Orders.Filling),
			PipPoints:     cfg.Orders.PipPoints,
			Retry:         policy,
		},
		Monitor: monitor.Config{
			Interval:          config.MustDuration(cfg.Monitor.Interval),
			MinProfit:         &cfg.Monitor.MinProfit,
			DefaultMultiplier: cfg.Monitor.DefaultMultiplier,
			Classes:           classes,
			Retry:             policy,
		},
		MonitorEnabled: cfg.Monitor.Enabled,
		Mapper:         symbols.NewTable(cfg.Symbols.Aliases, cfg.Symbols.Suffix),
	}
}
