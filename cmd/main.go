package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	carrotclient "github.com/aleybovich/carrot-client"
	amqpError "github.com/aleybovich/carrot-client/amqperror"
	"github.com/aleybovich/carrot-client/config"
	"github.com/aleybovich/carrot-client/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML client config")
		addr       = flag.String("addr", "", "broker address, host[:port]")
		channelID  = flag.Uint("channel", 1, "channel id to publish on")
		realm      = flag.String("realm", "/data", "access realm")
		exchange   = flag.String("exchange", "amq.fanout", "exchange to publish to")
		routingKey = flag.String("routing-key", "", "routing key")
		message    = flag.String("message", "hello from carrot-client", "message body")
		timeout    = flag.Duration("timeout", 10*time.Second, "overall timeout")
		keep       = flag.Uint64("journal-keep", 0, "journal entries to keep after publishing, 0 keeps all")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.NewZeroLogger(nil, "").Fatal("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		if err := cfg.SetAddress(*addr); err != nil {
			logger.NewZeroLogger(nil, "").Fatal("Invalid address: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	conn, err := carrotclient.DialConfig(ctx, cfg)
	if err != nil {
		logger.NewZeroLogger(nil, cfg.Logging.Level).Err("Failed to connect to %s: %v", cfg.Address(), err)
		os.Exit(1)
	}
	log := conn.Logger()
	log.Info("Connected to %s, frame_max %d", cfg.Address(), conn.Tune().FrameMax)

	err = conn.WithChannel(ctx, uint16(*channelID), func(ch *carrotclient.Channel) error {
		ticket, err := ch.AccessRequest(ctx, *realm, carrotclient.AccessFlags{Active: true, Write: true})
		if err != nil {
			return err
		}
		return ch.Publish(carrotclient.NewTextContent(*message), ticket, *exchange, *routingKey, false, false)
	})
	if err != nil {
		log.Err("Publish failed: %v", err)
	} else {
		log.Info("Published %d bytes to %q", len(*message), *exchange)
	}
	if j := conn.Journal(); j != nil {
		trimJournal(j, *keep, log)
	}

	if cerr := conn.CloseWithReason(ctx, amqpError.ReplySuccess.Code(), "bye"); cerr != nil {
		log.Warn("Close: %v", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func trimJournal(j *carrotclient.Journal, keep uint64, log logger.Logger) {
	if seq := j.Sequence(); keep > 0 && seq > keep {
		removed, err := j.Prune(seq - keep)
		if err != nil {
			log.Warn("Pruning journal: %v", err)
			return
		}
		log.Debug("Pruned %d journal entries", removed)
	}
	n, err := j.Len()
	if err != nil {
		log.Warn("Reading journal: %v", err)
		return
	}
	log.Info("Journal holds %d publishes, last sequence %d", n, j.Sequence())
}
