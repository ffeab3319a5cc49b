package main

import (
	"context"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/isqad/livelook-gateway/internal/config"
	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/rtc"
	"github.com/isqad/livelook-gateway/internal/sfu"
	"github.com/isqad/livelook-gateway/internal/signaling"
	"github.com/isqad/livelook-gateway/internal/ws"
)

const eventsQueueSize = 1024

func main() {
	app := &cli.App{
		Name:  "livelook-sfu",
		Usage: "SFU signaling gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file, SFU_* environment variables override it",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production'",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8080'",
			},
		},
		Action: startSfu,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "create the room events journal table",
				Action: migrateJournal,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("env") {
		conf.Env = config.Environment(c.String("env"))
	}
	if c.IsSet("address") {
		conf.Address = c.String("address")
	}
	conf.InitLogger()

	return conf, nil
}

func startSfu(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	worker, err := rtc.NewWorker(rtc.WorkerSettings{
		LogLevel:       conf.Log.Level,
		LogTags:        conf.Log.Tags,
		PortRangeStart: conf.RTC.PortRangeStart,
		PortRangeEnd:   conf.RTC.PortRangeEnd,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Msg("close worker")
		}
	}()

	rooms := sfu.NewRoomRegistry(sfu.NewRouterRegistry(sfu.RouterRegistryOptions{
		Worker:      worker,
		MediaCodecs: conf.Codecs,
		ListenIP:    conf.ListenIP(),
		EnableTCP:   conf.RTC.EnableTCP,
	}))
	defer func() {
		if err := rooms.Close(); err != nil {
			log.Error().Err(err).Msg("close rooms")
		}
	}()

	publishers, journal, err := eventPublishers(c.Context, conf)
	if err != nil {
		return err
	}
	events := eventbus.NewAsync(eventbus.NewFanout(publishers...), eventsQueueSize)
	defer func() {
		if err := events.Close(); err != nil {
			log.Error().Err(err).Msg("close event publishers")
		}
	}()

	options := ws.AppOptions{
		Env:            conf.Env,
		Address:        conf.Address,
		MaxMessageSize: conf.Signaling.MaxMessageSize,
		Gateway: signaling.NewGateway(signaling.Options{
			Rooms:       rooms,
			CallTimeout: conf.Engine.CallTimeout,
			Events:      events,
		}),
	}
	if journal != nil {
		options.Journal = journal
	}
	if conf.Auth.FirebaseAddr != "" {
		options.Auth = ws.NewFirebaseAuth(conf.Auth.FirebaseAddr)
	}

	log.Info().
		Str("env", string(conf.Env)).
		Uint16("portRangeStart", conf.RTC.PortRangeStart).
		Uint16("portRangeEnd", conf.RTC.PortRangeEnd).
		Int("publishers", len(publishers)).
		Msg("starting sfu")

	return ws.New(options).Start()
}

// eventPublishers connects every configured event sink. The journal is
// returned separately because the ops API reads it back.
func eventPublishers(ctx context.Context, conf *config.Config) ([]eventbus.Publisher, *eventbus.Journal, error) {
	var (
		publishers []eventbus.Publisher
		journal    *eventbus.Journal
	)

	closeAll := func(err error) ([]eventbus.Publisher, *eventbus.Journal, error) {
		for _, p := range publishers {
			err = multierr.Append(err, p.Close())
		}
		return nil, nil, err
	}

	if conf.EventBus.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: conf.EventBus.RedisAddr,
			DB:   0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return closeAll(err)
		}
		publishers = append(publishers, eventbus.RedisPubSub(rdb, conf.EventBus.Subject))
	}

	if conf.EventBus.NatsURL != "" {
		bus, err := eventbus.NatsConnect(conf.EventBus.NatsURL, conf.EventBus.Subject)
		if err != nil {
			return closeAll(err)
		}
		publishers = append(publishers, bus)
	}

	if conf.EventBus.DatabaseURL != "" {
		var err error
		journal, err = eventbus.OpenJournal(ctx, conf.EventBus.DatabaseURL)
		if err != nil {
			return closeAll(err)
		}
		publishers = append(publishers, journal)
	}

	return publishers, journal, nil
}

func migrateJournal(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if conf.EventBus.DatabaseURL == "" {
		return cli.Exit("eventbus.database_url is not set", 1)
	}

	journal, err := eventbus.OpenJournal(c.Context, conf.EventBus.DatabaseURL)
	if err != nil {
		return err
	}
	defer journal.Close()

	if err := journal.Migrate(c.Context); err != nil {
		return err
	}

	log.Info().Msg("room_events table is ready")
	return nil
}
