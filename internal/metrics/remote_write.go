package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

// StartRemoteWrite pushes tenant-labelled series to the configured remote
// write endpoint until ctx is done. It returns immediately when no URL is set.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c == nil || c.config.URL == "" {
		return
	}
	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 30 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeRemote(ctx, client); err != nil {
				c.logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) writeRemote(ctx context.Context, client *http.Client) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	series := toTimeSeries(mfs, time.Now())
	if len(series) == 0 {
		return nil
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = len(series)
	}
	for tenantID, tenantSeries := range groupByTenant(series) {
		for i := 0; i < len(tenantSeries); i += batchSize {
			end := i + batchSize
			if end > len(tenantSeries) {
				end = len(tenantSeries)
			}
			if err := c.push(ctx, client, tenantID, tenantSeries[i:end]); err != nil {
				return fmt.Errorf("tenant %s: %w", tenantID, err)
			}
		}
	}
	return nil
}

// toTimeSeries flattens gathered families into remote-write series. Series
// without a tenant_id label are engine-global and are not forwarded.
func toTimeSeries(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	ts := now.UnixMilli()

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			labels := make([]prompb.Label, 0, len(m.Label)+1)
			hasTenant := false
			for _, l := range m.Label {
				if l.GetName() == "tenant_id" && l.GetValue() != "" {
					hasTenant = true
				}
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			if !hasTenant {
				continue
			}
			labels = append(labels, prompb.Label{Name: "__name__", Value: mf.GetName()})

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, sample(labels, m.Counter.GetValue(), ts))
			case dto.MetricType_GAUGE:
				out = append(out, sample(labels, m.Gauge.GetValue(), ts))
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					bucketLabels := append(append([]prompb.Label{}, labels...), prompb.Label{
						Name:  "le",
						Value: fmt.Sprintf("%g", bucket.GetUpperBound()),
					})
					out = append(out, sample(bucketLabels, float64(bucket.GetCumulativeCount()), ts))
				}
			}
		}
	}
	return out
}

func sample(labels []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

func groupByTenant(series []prompb.TimeSeries) map[string][]prompb.TimeSeries {
	byTenant := make(map[string][]prompb.TimeSeries)
	for _, s := range series {
		for _, label := range s.Labels {
			if label.Name == "tenant_id" {
				byTenant[label.Value] = append(byTenant[label.Value], s)
				break
			}
		}
	}
	return byTenant
}

func (c *Collector) push(ctx context.Context, client *http.Client, tenantID string, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}
	data, err := req.Marshal()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/api/v1/push", bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	httpReq.Header.Set(c.config.TenantHeader, tenantID)
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write failed: %s", resp.Status)
	}
	return nil
}
