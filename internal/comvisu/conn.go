package comvisu

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"go.uber.org/zap"
)

// Channel numbers of the ComVisu panel.
const (
	chStartStop   = 900
	chRunState    = 901
	chKeepAlive   = 980
	chKeepAliveOK = 981
	chSave        = 890
	chLoadUser    = 891
	chLoadDefault = 892

	chSelectFirst  = 801
	chSelectLast   = 805
	chSelectEcho   = 10 // offset from a select channel to its indicator
	chSelectedText = 820
	chModelText    = 821
	chRateText     = 823
	chEnableShow   = 829
	chEnable       = 830
	chModel        = 831
	chSampleRate   = 833

	chConsole = 999

	chartBase        = 701
	chartsPerDiagram = 20
)

// Panel booleans are encoded as 1 (off) and 2 (on).
const (
	panelOff = 1
	panelOn  = 2
)

const writeWait = 10 * time.Second

// ChartResolver returns the path of the channel plotted on chart.
type ChartResolver func(chart int) (string, error)

// Conn adapts one ComVisu TCP connection to the session protocol.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
	resolve ChartResolver
	logger  *zap.Logger
	now     func() time.Time

	// reader state
	selected int

	// writer state
	runStart time.Time
	charts   map[int]*chart
}

func NewConn(conn net.Conn, resolve ChartResolver, logger *zap.Logger) *Conn {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), 4*MaxFrameLen)
	sc.Split(ScanFrames)
	return &Conn{
		conn:    conn,
		scanner: sc,
		writer:  bufio.NewWriter(conn),
		resolve: resolve,
		logger:  logger,
		now:     time.Now,
		charts:  make(map[int]*chart),
	}
}

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) Close() error { return c.conn.Close() }

// ReadRequest reads frames until one maps to a request. Frames that only
// carry information for the server, like console text, are consumed here.
func (c *Conn) ReadRequest(ctx context.Context) (protocol.Request, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return protocol.Request{}, err
			}
			return protocol.Request{}, io.EOF
		}
		f, err := Parse(c.scanner.Text())
		if err != nil {
			return protocol.Request{}, err
		}
		if req, ok := c.translate(f); ok {
			return req, nil
		}
	}
}

func selectID(chart int) string { return "select:" + strconv.Itoa(chart) }
func setID(chart int) string    { return "set:" + strconv.Itoa(chart) }

// rangeID marks a selection outside 1..chartsPerDiagram. The request only
// carries the console answer to the writer.
func rangeID(diagram, index int) string {
	return "range:" + strconv.Itoa(diagram) + "/" + strconv.Itoa(index)
}

func chartOf(diagram, index int) int {
	return chartBase + (diagram-chSelectFirst)*chartsPerDiagram + (index - 1)
}

func (c *Conn) translate(f Frame) (protocol.Request, bool) {
	switch {
	case f.Channel == chStartStop:
		if f.Float == panelOn {
			return protocol.Request{ID: "run", Command: protocol.CommandStart}, true
		}
		return protocol.Request{ID: "run", Command: protocol.CommandStop}, true

	case f.Channel == chKeepAlive:
		return protocol.Request{ID: "keepalive", Command: protocol.CommandKeepAlive}, true

	case f.Channel == chSave:
		return protocol.Request{ID: "save", Command: protocol.CommandSave}, true
	case f.Channel == chLoadUser:
		return protocol.Request{ID: "load", Command: protocol.CommandLoadUser}, true
	case f.Channel == chLoadDefault:
		return protocol.Request{ID: "load", Command: protocol.CommandLoadDefault}, true

	case f.Channel >= chSelectFirst && f.Channel <= chSelectLast:
		index := int(f.Float)
		if index <= 0 {
			c.selected = 0
			return protocol.Request{ID: selectID(0), Command: protocol.CommandStatus}, true
		}
		if index > chartsPerDiagram {
			c.selected = 0
			return protocol.Request{ID: rangeID(f.Channel, index), Command: protocol.CommandStatus}, true
		}
		c.selected = chartOf(f.Channel, index)
		return protocol.Request{ID: selectID(c.selected), Command: protocol.CommandGetConfig, Path: c.chartPath(c.selected)}, true

	case f.Channel == chEnable, f.Channel == chModel, f.Channel == chSampleRate:
		chart := c.selected
		c.selected = 0
		req := protocol.Request{ID: setID(chart), Command: protocol.CommandSetConfig}
		if chart != 0 {
			req.Path = c.chartPath(chart)
		}
		switch f.Channel {
		case chEnable:
			req.Key = hardware.KeyEnabled
			req.Value, _ = json.Marshal(f.Float == panelOn)
		case chModel:
			req.Key = protocol.KeyModel
			req.Value, _ = json.Marshal(f.Value())
		case chSampleRate:
			req.Key = hardware.KeySampleRate
			req.Value, _ = json.Marshal(f.Float)
		}
		return req, true

	case f.Channel == chConsole:
		c.logger.Info("Console message from client", zap.String("text", f.Text))
		return protocol.Request{}, false
	}

	return protocol.Request{ID: "unknown", Command: protocol.Command(fmt.Sprintf("CHANNEL_%d", f.Channel))}, true
}

// chartPath resolves chart to a channel path. Unknown charts map to a path
// that never resolves so the dispatcher reports them as not found.
func (c *Conn) chartPath(chart int) string {
	path, err := c.resolve(chart)
	if err != nil {
		c.logger.Debug("Chart not resolved", zap.Int("chart", chart), zap.Error(err))
		return fmt.Sprintf("chart:%d", chart)
	}
	return path
}

func (c *Conn) WriteResponse(resp protocol.Response) error {
	return c.write(c.renderResponse(resp))
}

func (c *Conn) WriteMessage(msg protocol.Message) error {
	return c.write(c.renderMessage(msg))
}

func (c *Conn) write(frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	if err := c.conn.SetWriteDeadline(c.now().Add(writeWait)); err != nil {
		return err
	}
	for _, f := range frames {
		s, err := f.Encode()
		if err != nil {
			c.logger.Warn("Dropping unencodable frame", zap.Int("channel", f.Channel), zap.Error(err))
			continue
		}
		if _, err := c.writer.WriteString(s); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Conn) console(format string, args ...any) Frame {
	text := Sanitize(fmt.Sprintf(format, args...))
	stamp := c.now().Format("2006-01-02, 15:04:05.000")
	line := stamp + ": " + text
	if len(line) > MaxFrameLen-8 {
		line = line[:MaxFrameLen-8]
	}
	return Text(chConsole, line)
}

func runState(state machine.State) float64 {
	if state == machine.StateRunning {
		return panelOn
	}
	return panelOff
}

func panelBool(b bool) float64 {
	if b {
		return panelOn
	}
	return panelOff
}

// selectionFrames lights the indicator of the active diagram and clears the
// others.
func selectionFrames(chart int) []Frame {
	active := 0
	if chart != 0 {
		active = chSelectFirst + (chart-chartBase)/chartsPerDiagram
	}
	var out []Frame
	for ch := chSelectFirst; ch <= chSelectLast; ch++ {
		if ch == active {
			continue
		}
		out = append(out, Float(ch+chSelectEcho, 0))
	}
	if chart == 0 {
		out = append(out, Text(chSelectedText, "No channel selected"))
	} else {
		out = append(out, Text(chSelectedText, fmt.Sprintf("Channel %d selected", chart)))
	}
	return out
}

func (c *Conn) renderResponse(resp protocol.Response) []Frame {
	if chart, ok := chartFromID(resp.ID, "select:"); ok {
		return c.renderSelect(chart, resp)
	}
	if chart, ok := chartFromID(resp.ID, "set:"); ok {
		return c.renderSet(chart, resp)
	}
	if sel, ok := strings.CutPrefix(resp.ID, "range:"); ok {
		return append(selectionFrames(0), c.console("Selection %s out of range 1..%d", sel, chartsPerDiagram))
	}

	if !resp.OK {
		return []Frame{c.console("%s: %s", resp.Error.Code, resp.Error.Message)}
	}

	switch resp.Command {
	case protocol.CommandStart, protocol.CommandStop:
		res, _ := resp.Result.(session.AcquisitionResult)
		word := "stopped"
		if res.State == machine.StateRunning {
			word = "started"
		}
		return []Frame{Float(chRunState, runState(res.State)), c.console("Measurement system %s", word)}
	case protocol.CommandKeepAlive:
		return []Frame{Float(chKeepAliveOK, 1)}
	case protocol.CommandSave:
		return []Frame{c.console("Configuration saved")}
	case protocol.CommandLoadUser, protocol.CommandLoadDefault:
		rep, _ := resp.Result.(configstore.LoadReport)
		return []Frame{c.console("%s configuration loaded: %d applied, %d unmatched, %d rejected",
			rep.Variant, rep.Applied, len(rep.Unmatched), len(rep.Rejected))}
	}
	return []Frame{c.console("%s ok", resp.Command)}
}

func chartFromID(id, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

func (c *Conn) renderSelect(chart int, resp protocol.Response) []Frame {
	out := selectionFrames(chart)
	if chart == 0 {
		return out
	}
	ec, ok := resp.Result.(session.EntityConfig)
	if !resp.OK || !ok {
		return append(out, Float(chEnableShow, 0), Text(chRateText, "SR: not found!"))
	}
	rate := "-"
	if r, ok := ec.Config.SampleRate(); ok {
		rate = strconv.FormatFloat(r, 'g', -1, 64)
	}
	return append(out,
		Float(chEnableShow, panelBool(ec.Config.Enabled())),
		Text(chModelText, Sanitize(ec.Model)),
		Text(chRateText, "SR: "+rate),
	)
}

func (c *Conn) renderSet(chart int, resp protocol.Response) []Frame {
	var out []Frame
	switch {
	case chart == 0:
		out = append(out, c.console("No channel selected"))
	case !resp.OK:
		out = append(out, c.console("CH %d: %s: %s", chart, resp.Error.Code, resp.Error.Message))
	default:
		if ec, ok := resp.Result.(session.EntityConfig); ok {
			out = append(out, Float(chEnableShow, panelBool(ec.Config.Enabled())))
		}
		out = append(out, c.console("CH %d updated", chart))
	}
	return append(out, selectionFrames(0)...)
}

func (c *Conn) renderMessage(msg protocol.Message) []Frame {
	switch msg.Type {
	case protocol.MessageTypeKeepAlive:
		return []Frame{Float(chKeepAliveOK, 1)}
	case protocol.MessageTypeHello:
		data, _ := msg.Data.(protocol.HelloData)
		return []Frame{
			Float(chRunState, runState(machine.State(data.State))),
			c.console("Connected, session %s", data.SessionID),
		}
	case protocol.MessageTypeMachineState:
		data, _ := msg.Data.(protocol.MachineStateData)
		state := machine.State(data.State)
		if state == machine.StateRunning {
			c.runStart = msg.Timestamp
			c.charts = make(map[int]*chart)
		}
		return []Frame{Float(chRunState, runState(state))}
	case protocol.MessageTypeTelemetry:
		sample, ok := msg.Data.(telemetry.Sample)
		if !ok || sample.ChartNumber <= 0 {
			return nil
		}
		return c.plot(sample)
	case protocol.MessageTypeChannelStatus:
		st, ok := msg.Data.(telemetry.Status)
		if !ok || st.Error == "" {
			return nil
		}
		return []Frame{c.console("%s: %s", st.Path, st.Error)}
	case protocol.MessageTypeConsole:
		return []Frame{c.console("%v", msg.Data)}
	}
	return nil
}
