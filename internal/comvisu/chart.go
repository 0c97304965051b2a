package comvisu

import (
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
)

// chart tracks the axis state of one plotted channel. Its control channel
// is the decade below the Y channel and the X channel the decade above.
type chart struct {
	number  int
	samples int
	lo, hi  float64
	yMin    float64
	yMax    float64
}

func (ch *chart) control() int { return ch.number / 10 * 10 }
func (ch *chart) xAxis() int   { return ch.number/10*10 + 10 }

func (ch *chart) reset() []Frame {
	ctl := ch.control()
	return []Frame{
		Text(ctl, "Clear"),
		Float(ctl, 0), Text(ctl, "Xmin"),
		Float(ctl, 11), Text(ctl, "Xmax"),
		Float(ctl, 0), Text(ctl, "Ymin"),
		Float(ctl, 10), Text(ctl, "Ymax"),
	}
}

// plot emits the Y value and relative time of a sample and widens the
// axes as needed.
func (c *Conn) plot(s telemetry.Sample) []Frame {
	if c.runStart.IsZero() {
		c.runStart = s.Timestamp
	}

	var out []Frame
	ch, ok := c.charts[s.ChartNumber]
	if !ok {
		ch = &chart{number: s.ChartNumber}
		c.charts[s.ChartNumber] = ch
		out = append(out, ch.reset()...)
	}

	rel := s.Timestamp.Sub(c.runStart).Seconds()
	out = append(out, Float(ch.number, s.Value), Float(ch.xAxis(), rel))
	ch.samples++

	ctl := ch.control()
	if ch.samples > 1 && ch.samples%10 == 0 {
		out = append(out, Float(ctl, rel+10), Text(ctl, "Xmax"))
	}

	if ch.samples == 1 {
		ch.lo, ch.hi = s.Value, s.Value
		return out
	}
	ch.lo = min(ch.lo, s.Value)
	ch.hi = max(ch.hi, s.Value)
	margin := (ch.hi - ch.lo) * 0.2
	yMin, yMax := ch.lo-margin, ch.hi+margin
	if yMin != ch.yMin || yMax != ch.yMax {
		ch.yMin, ch.yMax = yMin, yMax
		out = append(out, Float(ctl, yMin), Text(ctl, "Ymin"), Float(ctl, yMax), Text(ctl, "Ymax"))
	}
	return out
}
