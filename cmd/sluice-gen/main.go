package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sluiceproject/sluice/pkg/ingest"
	"github.com/sluiceproject/sluice/pkg/model"
	"github.com/sluiceproject/sluice/pkg/util/log"
)

// sluice-gen feeds the raw topics with synthetic traffic. Useful for
// local development and load testing.

type globalOptions struct {
	BootstrapServers string        `help:"Comma-separated bus endpoints." default:"localhost:9092"`
	Rate             float64       `help:"Events per second." default:"50"`
	Duration         time.Duration `help:"How long to run; 0 runs until interrupted." default:"0"`
}

var cli struct {
	globalOptions

	IoT      iotCmd      `cmd:"" help:"Generate IoT sensor readings."`
	Activity activityCmd `cmd:"" help:"Generate user activity events."`
	Mixed    mixedCmd    `cmd:"" help:"Generate both streams." default:"1"`
}

type iotCmd struct {
	Devices       int     `help:"Distinct device ids." default:"20"`
	AnomalyChance float64 `help:"Probability a reading is a spike." default:"0.01"`
}

type activityCmd struct {
	Users int `help:"Distinct user ids." default:"100"`
}

type mixedCmd struct {
	iotCmd
	activityCmd
}

func main() {
	ctx := kong.Parse(&cli, kong.UsageOnError())
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

type generator struct {
	client *kgo.Client
	cfg    ingest.Config
	rnd    *rand.Rand
}

func newGenerator(opts *globalOptions) (*generator, error) {
	cfg := ingest.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nopFlagSet())
	cfg.BootstrapServers = opts.BootstrapServers

	logger := log.InitLogger("logfmt", defaultLevel())
	client, err := ingest.NewWriterClient(cfg, ingest.NewWriterClientMetrics(prometheus.NewRegistry()), logger)
	if err != nil {
		return nil, err
	}

	return &generator{
		client: client,
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// run produces one event per tick until the duration elapses or a
// signal arrives.
func (g *generator) run(opts *globalOptions, emit func(ctx context.Context) error) error {
	defer g.client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	if opts.Rate <= 0 {
		return errors.New("rate must be positive")
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.Rate))
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("produced %d events\n", sent)
			return nil
		case <-ticker.C:
			if err := emit(ctx); err != nil {
				if ctx.Err() != nil {
					fmt.Printf("produced %d events\n", sent)
					return nil
				}
				return err
			}
			sent++
		}
	}
}

func (g *generator) emitSensor(ctx context.Context, devices int, anomalyChance float64) error {
	types := []struct {
		name, unit string
		base, span float64
	}{
		{model.SensorTemperature, "celsius", 21, 4},
		{model.SensorHumidity, "percent", 55, 20},
		{model.SensorPressure, "hpa", 1013, 15},
	}
	st := types[g.rnd.Intn(len(types))]

	value := st.base + (g.rnd.Float64()*2-1)*st.span
	if g.rnd.Float64() < anomalyChance {
		value += st.span * 20
	}

	reading := &model.SensorReading{
		DeviceID:   fmt.Sprintf("sensor-%03d", g.rnd.Intn(devices)),
		SensorType: st.name,
		Value:      value,
		Unit:       st.unit,
		Timestamp:  float64(time.Now().UnixMilli()),
		Location:   fmt.Sprintf("zone-%d", g.rnd.Intn(4)),
	}

	data, err := model.MarshalSensorReading(reading)
	if err != nil {
		return err
	}
	return g.produce(ctx, g.cfg.TopicIoT, reading.DeviceID, data)
}

func (g *generator) emitActivity(ctx context.Context, users int) error {
	pages := []string{"/", "/products", "/products/42", "/cart", "/checkout"}

	event := &model.ActivityEvent{
		SessionID: uuid.New().String(),
		UserID:    fmt.Sprintf("user-%04d", g.rnd.Intn(users)),
		EventType: model.EventPageView,
		Page:      pages[g.rnd.Intn(len(pages))],
		Timestamp: float64(time.Now().UnixMilli()),
	}
	switch r := g.rnd.Float64(); {
	case r < 0.05:
		event.EventType = model.EventPurchase
		amount := float64(g.rnd.Intn(20000)) / 100
		event.Value = &amount
	case r < 0.35:
		event.EventType = model.EventClick
	}

	data, err := model.MarshalActivityEvent(event)
	if err != nil {
		return err
	}
	return g.produce(ctx, g.cfg.TopicActivity, event.UserID, data)
}

func (g *generator) produce(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	return g.client.ProduceSync(ctx, rec).FirstErr()
}

func (cmd *iotCmd) Run(opts *globalOptions) error {
	g, err := newGenerator(opts)
	if err != nil {
		return err
	}
	return g.run(opts, func(ctx context.Context) error {
		return g.emitSensor(ctx, cmd.Devices, cmd.AnomalyChance)
	})
}

func (cmd *activityCmd) Run(opts *globalOptions) error {
	g, err := newGenerator(opts)
	if err != nil {
		return err
	}
	return g.run(opts, func(ctx context.Context) error {
		return g.emitActivity(ctx, cmd.Users)
	})
}

func (cmd *mixedCmd) Run(opts *globalOptions) error {
	g, err := newGenerator(opts)
	if err != nil {
		return err
	}
	return g.run(opts, func(ctx context.Context) error {
		if g.rnd.Intn(2) == 0 {
			return g.emitSensor(ctx, cmd.Devices, cmd.AnomalyChance)
		}
		return g.emitActivity(ctx, cmd.Users)
	})
}

func defaultLevel() dslog.Level {
	var l dslog.Level
	l.RegisterFlags(nopFlagSet())
	return l
}

func nopFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
