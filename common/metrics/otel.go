package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

const defaultExportInterval = 30 * time.Second

type OtlMetricService struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        models.Logger

	countersMu sync.Mutex
	counters   map[models.MetricName]metric.Int64Counter

	histogramsMu sync.Mutex
	histograms   map[models.MetricName]metric.Int64Histogram

	gaugesMu sync.Mutex
	gauges   map[models.MetricName]struct{}
}

func NewMetricService(ctx context.Context, logger models.Logger) (models.MetricService, error) {
	var exporter sdkmetric.Exporter
	var err error
	if endpoint := os.Getenv(common.Env_MetricsEndpoint); len(endpoint) > 0 {
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	} else {
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(common.ServiceName),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(defaultExportInterval))),
	)
	return &OtlMetricService{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(models.MetricsCallerName),
		logger:        logger,
		counters:      make(map[models.MetricName]metric.Int64Counter),
		histograms:    make(map[models.MetricName]metric.Int64Histogram),
		gauges:        make(map[models.MetricName]struct{}),
	}, nil
}

func (m *OtlMetricService) Count(ctx context.Context, name models.MetricName, val int) error {
	m.countersMu.Lock()
	counter, found := m.counters[name]
	if !found {
		var err error
		if counter, err = m.meter.Int64Counter(string(name)); err != nil {
			m.countersMu.Unlock()
			return err
		}
		m.counters[name] = counter
	}
	m.countersMu.Unlock()
	counter.Add(ctx, int64(val))
	return nil
}

func (m *OtlMetricService) Gauge(ctx context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	if _, found := m.gauges[name]; found {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge(string(name))
	if err != nil {
		return err
	}
	if _, err = m.meter.RegisterCallback(func(obsCtx context.Context, observer metric.Observer) error {
		value, err := monitor.GetValue(obsCtx)
		if err != nil {
			m.logger.Warnf("metrics: gauge %s read failed: %v", name, err)
			return nil
		}
		observer.ObserveInt64(gauge, int64(value))
		return nil
	}, gauge); err != nil {
		return err
	}
	m.gauges[name] = struct{}{}
	return nil
}

func (m *OtlMetricService) Distribution(ctx context.Context, name models.MetricName, val int) error {
	m.histogramsMu.Lock()
	histogram, found := m.histograms[name]
	if !found {
		var err error
		if histogram, err = m.meter.Int64Histogram(string(name)); err != nil {
			m.histogramsMu.Unlock()
			return err
		}
		m.histograms[name] = histogram
	}
	m.histogramsMu.Unlock()
	histogram.Record(ctx, int64(val))
	return nil
}

func (m *OtlMetricService) Shutdown(ctx context.Context) {
	if err := m.meterProvider.Shutdown(ctx); err != nil {
		m.logger.Warnf("metrics: shutdown failed: %v", err)
	}
}
