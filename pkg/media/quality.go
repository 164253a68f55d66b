package media

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/metrics"
)

// QualityReport carries the transport quality figures observed for a
// session, as delivered by whatever measures the media path.
type QualityReport struct {
	PacketLossPercent float64 `json:"packet_loss_percent"`
	JitterMs          float64 `json:"jitter_ms"`
	RTTMs             float64 `json:"rtt_ms"`
}

// QualityProvider supplies quality reports for live sessions. The media
// path is outside this gateway, so reports arrive through this seam.
type QualityProvider interface {
	QualityReport(callID string) (QualityReport, bool)
}

// Advisory flags a session whose reported quality crossed the
// high severity thresholds. It never alters session state; it exists to
// be logged, counted and published.
type Advisory struct {
	CallID      string    `json:"call_id"`
	Severity    string    `json:"severity"`
	Issues      []string  `json:"issues"`
	MOSEstimate float64   `json:"mos_estimate"`
	GeneratedAt time.Time `json:"generated_at"`
}

// QualityMonitor evaluates session quality reports against fixed
// thresholds. Sustained values past them point at tampering or a
// seriously degraded path.
type QualityMonitor struct {
	cfg      *config.MediaConfig
	provider QualityProvider
	clk      clock.Clock
	logger   *logrus.Logger
}

// NewQualityMonitor creates a monitor. provider may be nil when no
// external measurement source is wired; Evaluate still works on pushed
// reports.
func NewQualityMonitor(cfg *config.MediaConfig, provider QualityProvider, clk clock.Clock, logger *logrus.Logger) *QualityMonitor {
	return &QualityMonitor{cfg: cfg, provider: provider, clk: clk, logger: logger}
}

// Evaluate checks one report. It returns nil when every figure is inside
// the thresholds, otherwise a high severity advisory naming the issues.
func (m *QualityMonitor) Evaluate(callID string, report QualityReport) *Advisory {
	var issues []string

	if report.PacketLossPercent > m.cfg.MaxPacketLossPercent {
		issues = append(issues, fmt.Sprintf("packet loss %.1f%%", report.PacketLossPercent))
		metrics.RecordQualityAlert("packet_loss")
	}
	if report.JitterMs > m.cfg.MaxJitterMs {
		issues = append(issues, fmt.Sprintf("jitter %.1fms", report.JitterMs))
		metrics.RecordQualityAlert("jitter")
	}
	if report.RTTMs > m.cfg.MaxRTTMs {
		issues = append(issues, fmt.Sprintf("rtt %.1fms", report.RTTMs))
		metrics.RecordQualityAlert("rtt")
	}

	if len(issues) == 0 {
		return nil
	}

	adv := &Advisory{
		CallID:      callID,
		Severity:    "high",
		Issues:      issues,
		MOSEstimate: estimateMOS(report),
		GeneratedAt: m.clk.Now(),
	}

	m.logger.WithFields(logrus.Fields{
		"call_id":      callID,
		"issues":       issues,
		"mos_estimate": adv.MOSEstimate,
	}).Warn("Session quality advisory")

	return adv
}

// Check pulls the latest report for a session from the provider and
// evaluates it.
func (m *QualityMonitor) Check(callID string) *Advisory {
	if m.provider == nil {
		return nil
	}
	report, ok := m.provider.QualityReport(callID)
	if !ok {
		return nil
	}
	return m.Evaluate(callID, report)
}

// estimateMOS derives a mean opinion score from the reported figures
// using the ITU-T G.107 E-model: R = Ro - Id - Ie, then the standard
// R-to-MOS conversion.
func estimateMOS(report QualityReport) float64 {
	const ro = 93.2

	// Delay impairment from one-way delay, estimated as RTT/2, plus a
	// simplified jitter penalty
	oneWay := report.RTTMs / 2.0
	var id float64
	if oneWay >= 100 {
		id = 0.024*oneWay + 0.11*(oneWay-177.3)*math.Max(0, oneWay-177.3)
	}
	id += report.JitterMs * 0.1

	// Equipment impairment from packet loss
	lossRate := report.PacketLossPercent / 100.0
	ie := 10.0 * math.Log(1+15*lossRate)

	r := ro - id - ie

	// MOS = 1 + 0.035*R + 7*10^-6*R*(R-60)*(100-R)
	var mos float64
	switch {
	case r < 0:
		mos = 1.0
	case r > 100:
		mos = 5.0
	default:
		mos = 1.0 + 0.035*r + 0.000007*r*(r-60)*(100-r)
	}

	if mos < 1.0 {
		mos = 1.0
	} else if mos > 5.0 {
		mos = 5.0
	}
	return mos
}
