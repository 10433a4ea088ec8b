package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acme/gsm-voice-dialer/internal/audio"
	"github.com/acme/gsm-voice-dialer/internal/config"
	"github.com/acme/gsm-voice-dialer/internal/infra/db"
	"github.com/acme/gsm-voice-dialer/internal/infra/redis"
	"github.com/acme/gsm-voice-dialer/internal/modem"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/repository"
	pgrepo "github.com/acme/gsm-voice-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/gsm-voice-dialer/internal/repository/scylla"
	"github.com/acme/gsm-voice-dialer/internal/serializer"
	"github.com/acme/gsm-voice-dialer/internal/service/concurrency"
	"github.com/acme/gsm-voice-dialer/internal/telephony"
	"github.com/acme/gsm-voice-dialer/internal/telephony/gsm"
	telephonyMock "github.com/acme/gsm-voice-dialer/internal/telephony/mock"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// Option selects which backends Build connects to. Each binary only opens
// what it uses.
type Option func(*options)

type options struct {
	postgres bool
	scylla   bool
	redis    bool
	kafka    bool
}

// WithPostgres connects the job table.
func WithPostgres() Option { return func(o *options) { o.postgres = true } }

// WithScylla connects the attempt history store.
func WithScylla() Option { return func(o *options) { o.scylla = true } }

// WithRedis connects redis when the modem lease is enabled.
func WithRedis() Option { return func(o *options) { o.redis = true } }

// WithKafka enables the job and status topics.
func WithKafka() Option { return func(o *options) { o.kafka = true } }

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		audio        *audioDeps
	}
}

type repositories struct {
	Jobs     repository.JobRepository
	Attempts repository.AttemptStore
}

type publishers struct {
	Jobs   *queue.JobPublisher
	Status *queue.StatusPublisher
}

type audioDeps struct {
	Downloader *audio.Downloader
	Player     *audio.Player
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string, opts ...Option) (*Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}

	if o.postgres {
		if c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
	}

	if o.scylla {
		if c.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if o.redis && cfg.Serializer.LeaseEnabled {
		if c.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	if o.kafka {
		if c.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{}
		if c.Postgres != nil {
			repos.Jobs = pgrepo.NewJobRepository(c.Postgres.DB())
		}
		if c.Scylla != nil {
			repos.Attempts = scyllarepo.NewAttemptStore(c.Scylla.Session())
		}

		pubs := &publishers{}
		if c.Kafka != nil {
			pubs.Jobs = queue.NewJobPublisher(c.Kafka, c.Config.Kafka.JobTopic)
			pubs.Status = queue.NewStatusPublisher(c.Kafka, c.Config.Kafka.StatusTopic)
		}

		acfg := c.Config.Audio
		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.audio = &audioDeps{
			Downloader: audio.NewDownloader(acfg.DownloadDir, acfg.DownloadTimeout, acfg.MaxBytes),
			Player:     audio.NewPlayer(acfg.Player, acfg.Device),
		}
	})
}

// Repositories exposes the stores of the backends that were connected.
// Fields for backends left out of Build are nil.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes the Kafka publishers, nil without Kafka.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Audio exposes the downloader and the player.
func (c *Container) Audio() *audioDeps {
	c.initComponents()
	return c.components.audio
}

// Telephony builds the configured call provider.
func (c *Container) Telephony() (telephony.Provider, error) {
	player := c.Audio().Player
	switch strings.ToLower(c.Config.Telephony.Provider) {
	case "", "gsm":
		mcfg := c.Config.Modem
		var enum modem.Enumerator = modem.SerialEnumerator{}
		if len(mcfg.Ports) > 0 {
			enum = modem.StaticEnumerator(mcfg.Ports)
		}
		prober := modem.NewProber(enum, modem.SerialOpener{}, modem.ProbeConfigFrom(mcfg), c.Logger)
		machine := gsm.NewMachine(gsm.TimingFrom(mcfg), c.Logger)
		return gsm.NewProvider(prober, machine, player, c.Logger), nil
	case "mock":
		return telephonyMock.NewProvider(player, time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("unknown telephony provider %q", c.Config.Telephony.Provider)
	}
}

// NewSerializer builds the call serializer around the configured provider.
// onStart sees each job as it takes the modem; onResult receives every
// finished attempt. Either may be nil.
func (c *Container) NewSerializer(onStart serializer.StartHandler, onResult serializer.ResultHandler) (*serializer.Serializer, error) {
	provider, err := c.Telephony()
	if err != nil {
		return nil, err
	}

	scfg := c.Config.Serializer
	policy, err := serializer.ParsePolicy(scfg.Policy)
	if err != nil {
		return nil, err
	}

	opts := serializer.Options{
		Policy:    policy,
		LeasePoll: scfg.LeasePoll,
		OnStart:   onStart,
		OnResult:  onResult,
		Logger:    c.Logger,
	}
	if scfg.LeaseEnabled {
		if c.Redis == nil {
			return nil, errors.New("serializer: lease enabled but redis is not connected")
		}
		opts.Lease = concurrency.NewLease(c.Redis.Inner(), scfg.LeaseKey, scfg.LeaseTTL)
	}

	return serializer.New(provider, serializer.NewGate(), opts), nil
}

// EnsureTopics ensures required Kafka topics exist. The job topic has a
// single partition so jobs reach the dialer in publish order.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	if err := c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.JobTopic}, 1, 1); err != nil {
		return err
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.StatusTopic}, 12, 1)
}

// EnsureSchema creates the tables of the connected stores.
func (c *Container) EnsureSchema(ctx context.Context) error {
	if c.Postgres != nil {
		if err := pgrepo.NewJobRepository(c.Postgres.DB()).EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if c.Scylla != nil {
		if err := scyllarepo.NewAttemptStore(c.Scylla.Session()).EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Jobs != nil {
			if err := p.Jobs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("job publisher close: %w", err))
			}
		}
		if p.Status != nil {
			if err := p.Status.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
