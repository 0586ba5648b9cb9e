package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/do/v2"
	"github.com/sashabaranov/go-openai"

	"realtime-stt-service/internal/agent"
	"realtime-stt-service/internal/audio/pcm"
	"realtime-stt-service/internal/audio/wavstore"
	"realtime-stt-service/internal/config"
	"realtime-stt-service/internal/events"
	"realtime-stt-service/internal/journal"
	"realtime-stt-service/internal/observability/metrics"
	"realtime-stt-service/internal/service/classify"
	"realtime-stt-service/internal/service/relay"
	"realtime-stt-service/internal/service/session"
	"realtime-stt-service/internal/service/stt"
	"realtime-stt-service/internal/service/stt/google"
	"realtime-stt-service/internal/service/stt/mock"
	"realtime-stt-service/internal/service/worker"
	"realtime-stt-service/internal/viewer"
)

const connectTimeout = 15 * time.Second

var (
	// ErrBrokerDisabled is returned when a subscriber is requested with BROKER_BACKEND=none.
	ErrBrokerDisabled = errors.New("broker backend is none")
	// ErrClassifierDisabled is returned when a classifier is requested with CLASSIFIER_PROVIDER=none.
	ErrClassifierDisabled = errors.New("classifier provider is none")
)

func (a *Application) registerDI() {
	i := a.Injector

	do.Provide(i, a.provideBroker)
	do.Provide(i, func(i do.Injector) (*events.Publisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Broker.Backend == "none" {
			return events.New(nil, nil), nil
		}
		b, err := do.Invoke[events.Broker](i)
		if err != nil {
			return nil, err
		}
		return events.New(b, &events.Config{
			ListKey:   cfg.Broker.ListKey,
			Channel:   cfg.Broker.Channel,
			Principal: cfg.Service.Principal,
			Timeout:   cfg.Broker.PublishTimeout,
			Metrics:   metrics.DefaultMetrics,
		}), nil
	})
	do.Provide(i, func(i do.Injector) (events.Subscriber, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Broker.Backend == "none" {
			return nil, ErrBrokerDisabled
		}
		b, err := do.Invoke[events.Broker](i)
		if err != nil {
			return nil, err
		}
		sub, ok := b.(events.Subscriber)
		if !ok {
			return nil, fmt.Errorf("broker %s cannot subscribe", b.Name())
		}
		return sub, nil
	})

	do.Provide(i, provideClassifier)
	do.Provide(i, a.provideFactory)
	do.Provide(i, func(i do.Injector) (*wavstore.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return wavstore.New(cfg.Storage.AudioDir, pcm.TargetRate), nil
	})
	do.Provide(i, func(i do.Injector) (journal.Journal, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.onShutdown("journal", func(context.Context) error { return j.Close() })
		return j, nil
	})

	do.Provide(i, a.provideSessionHandler)
	do.Provide(i, func(i do.Injector) (*relay.Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		h := relay.NewHandler(cfg.Relay.BackendURL, metrics.DefaultMetrics)
		a.onShutdown("relay", h.Shutdown)
		return h, nil
	})

	do.Provide(i, func(i do.Injector) (agent.Responder, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Classifier.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the agent")
		}
		return agent.NewChatResponder(openai.NewClient(cfg.Classifier.OpenAIAPIKey), cfg.Agent.Model, cfg.Agent.SystemPrompt), nil
	})
	do.Provide(i, func(i do.Injector) (*agent.Agent, error) {
		cfg := do.MustInvoke[*config.Config](i)
		sub, err := do.Invoke[events.Subscriber](i)
		if err != nil {
			return nil, err
		}
		responder, err := do.Invoke[agent.Responder](i)
		if err != nil {
			return nil, err
		}
		return agent.New(sub, responder, cfg.Broker.Channel, cfg.Agent.Timeout), nil
	})
	do.Provide(i, func(i do.Injector) (*viewer.Viewer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		sub, err := do.Invoke[events.Subscriber](i)
		if err != nil {
			return nil, err
		}
		j, err := do.Invoke[journal.Journal](i)
		if err != nil {
			return nil, err
		}
		return viewer.New(sub, cfg.Broker.Channel, j), nil
	})
}

func (a *Application) provideBroker(i do.Injector) (events.Broker, error) {
	cfg := do.MustInvoke[*config.Config](i)
	bc := cfg.Broker

	var (
		b   events.Broker
		err error
	)
	switch bc.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		b, err = events.NewRedis(ctx, events.RedisConfig{
			Addr:     net.JoinHostPort(bc.RedisHost, strconv.Itoa(bc.RedisPort)),
			Password: bc.RedisPassword,
			DB:       bc.RedisDB,
		})
	case "kafka":
		b = events.NewKafka(events.KafkaConfig{
			Brokers:   bc.KafkaBrokers,
			Principal: bc.KafkaPrincipal,
			ListKey:   bc.ListKey,
			Channel:   bc.Channel,
		})
	case "nats":
		b, err = events.NewNATS(events.NATSConfig{
			URL:     bc.NATSURL,
			Stream:  bc.NATSStream,
			ListKey: bc.ListKey,
			Name:    cfg.Service.Principal,
		})
	default:
		return nil, fmt.Errorf("no broker for backend %q", bc.Backend)
	}
	if err != nil {
		return nil, err
	}

	a.onShutdown("broker", func(context.Context) error { return b.Close() })
	return b, nil
}

func provideClassifier(i do.Injector) (classify.Classifier, error) {
	cc := do.MustInvoke[*config.Config](i).Classifier

	switch cc.Provider {
	case "lexicon":
		lex, err := classify.LoadLexicon(cc.LexiconPath)
		if err != nil {
			return nil, err
		}
		return lex, nil
	case "http":
		return classify.NewHTTPClassifier(cc.Endpoint, cc.APIToken, &http.Client{Timeout: cc.Timeout}), nil
	case "openai":
		return classify.NewModeration(cc.OpenAIAPIKey), nil
	case "none":
		return nil, ErrClassifierDisabled
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cc.Provider)
	}
}

func (a *Application) provideFactory(i do.Injector) (stt.Factory, error) {
	sc := do.MustInvoke[*config.Config](i).STT

	switch sc.Provider {
	case "mock":
		return mock.NewFactory(sc.MockUtteranceDuration), nil
	case "google":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		gcfg := google.DefaultConfig()
		gcfg.LanguageCode = sc.Language
		f, err := google.NewFactory(ctx, gcfg)
		if err != nil {
			return nil, err
		}
		a.onShutdown("speech client", func(context.Context) error { return f.Close() })
		return f, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", sc.Provider)
	}
}

func (a *Application) provideSessionHandler(i do.Injector) (*session.Handler, error) {
	cfg := do.MustInvoke[*config.Config](i)

	factory, err := do.Invoke[stt.Factory](i)
	if err != nil {
		return nil, err
	}
	publisher, err := do.Invoke[*events.Publisher](i)
	if err != nil {
		return nil, err
	}
	j, err := do.Invoke[journal.Journal](i)
	if err != nil {
		return nil, err
	}

	var annotator worker.Annotator
	if cfg.Classifier.Provider != "none" {
		c, err := do.Invoke[classify.Classifier](i)
		if err != nil {
			return nil, err
		}
		annotator = classify.NewAnnotator(c, cfg.Classifier.Timeout, metrics.DefaultMetrics)
	}

	h := session.NewHandler(session.Deps{
		Factory: factory,
		EngineConfig: stt.Config{
			SampleRate:         pcm.TargetRate,
			Language:           cfg.STT.Language,
			SilenceSensitivity: cfg.STT.SilenceSensitivity,
			PostSpeechSilence:  cfg.STT.PostSpeechSilence,
			MinRecordingLength: cfg.STT.MinRecordingLength,
		},
		Annotator:              annotator,
		Publisher:              publisher,
		Store:                  do.MustInvoke[*wavstore.Store](i),
		Journal:                j,
		MaxConsecutiveFailures: cfg.STT.MaxConsecutiveFailures,
		PublishTimeout:         cfg.Broker.PublishTimeout,
		Metrics:                metrics.DefaultMetrics,
	})
	a.onShutdown("sessions", h.Shutdown)
	return h, nil
}
