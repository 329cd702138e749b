package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/crypto"
	"github.com/getpup/pupstore/es/engine"
	"github.com/getpup/pupstore/es/logging"
	"github.com/getpup/pupstore/es/metrics"
)

func startEngine() *engine.Engine {
	logging.InitLog(Config.Log)
	eng, err := buildEngine()
	must(err, "failed to build engine", "backend", Config.Store.Backend)
	return eng
}

type cmdBootstrap struct{}

func (cmdBootstrap) Execute([]string) error {
	var eng = startEngine()
	defer eng.Close()

	if err := eng.BootstrapSchema(context.Background()); err != nil {
		return errors.WithMessage(err, "bootstrapping schema")
	}
	log.WithField("backend", eng.Backend().Name()).Info("schema bootstrapped")
	return nil
}

type cmdHealth struct {
	Timeout time.Duration `long:"timeout" default:"10s" description:"Maximum duration of the check"`
}

func (cmd cmdHealth) Execute([]string) error {
	var eng = startEngine()
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	var h = eng.HealthCheck(ctx)
	writeHealth(os.Stdout, h)

	if !h.Healthy() {
		return errors.WithMessage(h.PrimaryErr, "primary unreachable")
	}
	return nil
}

func writeHealth(w io.Writer, h engine.Health) {
	var status = "ok"
	if h.PrimaryErr != nil {
		status = h.PrimaryErr.Error()
	}
	fmt.Fprintf(w, "backend:  %s\nprimary:  %s\n", h.Backend, status)

	for _, p := range h.Pools {
		fmt.Fprintf(w, "pool %-12s capacity %d, in use %d, idle %d, waiters %d, exhausted %s\n",
			p.Name, p.Capacity, p.InUse, p.Idle, p.Waiters, humanize.Comma(int64(p.Exhausted)))
	}
	for _, r := range h.Replicas {
		var probed = "never"
		if !r.ProbedAt.IsZero() {
			probed = humanize.Time(r.ProbedAt)
		}
		fmt.Fprintf(w, "replica %-9s eligible %t, lag %s, rtt %s, probed %s",
			r.Name, r.Eligible, humanize.Comma(r.Lag), r.RTT, probed)
		if r.LastError != nil {
			fmt.Fprintf(w, ", error: %v", r.LastError)
		}
		fmt.Fprintln(w)
	}
	if len(h.CacheTiers) == 0 {
		fmt.Fprintln(w, "cache:    disabled")
	} else {
		fmt.Fprintf(w, "cache:    %v\n", h.CacheTiers)
	}
}

type cmdAppend struct {
	Aggregate string `long:"aggregate" required:"true" description:"Aggregate ID"`
	Type      string `long:"type" required:"true" description:"Aggregate type"`
	EventType string `long:"event-type" required:"true" description:"Event type of every appended event"`
	Expected  int64  `long:"expected" default:"-1" description:"Expected current version: -1 for any, 0 for a new aggregate"`
	Tenant    string `long:"tenant" description:"Tenant scope"`
	Actor     string `long:"actor" description:"Actor ID recorded in event metadata"`
}

func (cmd cmdAppend) Execute(args []string) error {
	if len(args) == 0 {
		return errors.New("expected at least one payload argument")
	}
	var eng = startEngine()
	defer eng.Close()

	var expected es.ExpectedVersion
	switch {
	case cmd.Expected < 0:
		expected = es.Any()
	case cmd.Expected == 0:
		expected = es.NoStream()
	default:
		expected = es.Exact(cmd.Expected)
	}

	var correlation = uuid.New()
	var events = make([]es.Event, 0, len(args))
	for _, arg := range args {
		var contentType = codec.ContentTypeRaw
		if json.Valid([]byte(arg)) {
			contentType = codec.ContentTypeJSON
		}
		events = append(events, es.Event{
			AggregateID:   cmd.Aggregate,
			AggregateType: cmd.Type,
			EventType:     cmd.EventType,
			Payload:       []byte(arg),
			ContentType:   contentType,
			Metadata: es.Metadata{
				CorrelationID: uuid.NullUUID{UUID: correlation, Valid: true},
				ActorID:       cmd.Actor,
			},
		})
	}

	var ctx = es.WithTenant(context.Background(), cmd.Tenant)
	result, err := eng.Append(ctx, cmd.Aggregate, cmd.Type, expected, events)
	if err != nil {
		return err
	}
	for _, ev := range result.Events {
		fmt.Printf("%s version %d position %d\n", ev.EventID, ev.AggregateVersion, ev.GlobalPosition)
	}
	return nil
}

type cmdLoad struct {
	Aggregate string `long:"aggregate" required:"true" description:"Aggregate ID"`
	From      int64  `long:"from" default:"1" description:"First version to load"`
	Tenant    string `long:"tenant" description:"Tenant scope"`
}

type loadedEvent struct {
	EventID          uuid.UUID   `json:"event_id"`
	EventType        string      `json:"event_type"`
	AggregateVersion int64       `json:"aggregate_version"`
	GlobalPosition   int64       `json:"global_position"`
	ContentType      string      `json:"content_type"`
	Payload          interface{} `json:"payload,omitempty"`
	Metadata         es.Metadata `json:"metadata"`
	Error            string      `json:"error,omitempty"`
}

func (cmd cmdLoad) Execute([]string) error {
	var eng = startEngine()
	defer eng.Close()

	var ctx = es.WithTenant(context.Background(), cmd.Tenant)
	stream, err := eng.LoadStream(ctx, cmd.Aggregate, cmd.From)
	if err != nil {
		return err
	}

	var enc = json.NewEncoder(os.Stdout)
	for _, ev := range stream.Events {
		var out = loadedEvent{
			EventID:          ev.EventID,
			EventType:        ev.EventType,
			AggregateVersion: ev.AggregateVersion,
			GlobalPosition:   ev.GlobalPosition,
			ContentType:      ev.ContentType,
			Metadata:         ev.Metadata,
		}
		switch {
		case ev.DecodeErr != nil:
			out.Error = ev.DecodeErr.Error()
		case ev.ContentType == codec.ContentTypeJSON && json.Valid(ev.Payload):
			out.Payload = json.RawMessage(ev.Payload)
		default:
			out.Payload = ev.Payload
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

type cmdKeygen struct{}

func (cmdKeygen) Execute([]string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(crypto.EncodeKey(key))
	return nil
}

type cmdServe struct {
	Addr           string        `long:"metrics-addr" env:"METRICS_ADDR" default:":9120" description:"Address serving /metrics"`
	HealthInterval time.Duration `long:"health-interval" default:"30s" description:"Period of health logging"`
}

func (cmd cmdServe) Execute([]string) error {
	var eng = startEngine()
	defer eng.Close()

	log.WithField("config", Config).Info("starting pupstore")
	prometheus.MustRegister(metrics.Collectors()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	var srv = &http.Server{Addr: cmd.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("metrics server failed")
			stop()
		}
	}()

	var ticker = time.NewTicker(cmd.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Info("goodbye")
			return nil
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, cmd.HealthInterval)
			var h = eng.HealthCheck(checkCtx)
			cancel()

			var entry = log.WithFields(log.Fields{
				"backend":  h.Backend,
				"pools":    len(h.Pools),
				"replicas": len(h.Replicas),
			})
			if h.Healthy() {
				entry.Debug("health check passed")
			} else {
				entry.WithField("err", h.PrimaryErr).Warn("health check failed")
			}
		}
	}
}
