// Package transport owns the TCP connection to the serial bridge: a
// reassembly buffer with staleness protection, a write serializer, and the
// bridge's own control-message channel (tcpstatus/gpio) which is consumed
// here and never forwarded to the protocol decoder.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/verbose"
)

// staleBufferAge is how long an incomplete JSON fragment may sit in the
// reassembly buffer before it is discarded rather than prepended to the next
// line.
const staleBufferAge = 2 * time.Second

// badTxThreshold is the number of consecutive write failures after which the
// transport raises a DEVICE_ERROR signal.
const badTxThreshold = 10

// transmittingWindow is how recently a write must have succeeded for the
// dongle to be considered "transmitting".
const transmittingWindow = 10 * time.Second

// GPIOSnapshot is a bridge-relayed hardware switch reading.
type GPIOSnapshot struct {
	Armed      bool
	StartStop  bool
	ManualFire bool
}

// Sink receives events from the Transport: raw protocol lines, bridge
// GPIO relays, and device error signals. All callbacks run on the reader
// goroutine and must not block for long.
type Sink interface {
	OnLine(line string)
	OnGPIO(snapshot GPIOSnapshot)
	OnDeviceError(err error)
}

// Transport maintains the TCP connection to the serial bridge.
type Transport struct {
	host string
	port int
	baud int

	logger *logging.Logger
	sink   Sink

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	badTxCount   int
	lastWriteOK  time.Time
	reassembly   string
	reassemblyAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Transport bound to a serial bridge endpoint. On connect the
// config_serial control message relays baud together with a port name
// derived from the bridge's TCP port ("bridge:<port>"); no serial device
// path is passed in or relayed.
func New(host string, port, baud int, sink Sink, logger *logging.Logger) *Transport {
	return &Transport{
		host:   host,
		port:   port,
		baud:   baud,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Connect dials the bridge and sends the serial-port reconfiguration
// control message.
func (t *Transport) Connect() error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial serial bridge %s: %w", addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	cfg := map[string]interface{}{
		"type": "config_serial",
		"port": t.serialPortName(),
		"baud": t.baud,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config_serial: %w", err)
	}
	return t.writeLine(string(payload))
}

func (t *Transport) serialPortName() string {
	return fmt.Sprintf("bridge:%d", t.port)
}

// Run starts the reader loop. It blocks until Stop is called; read errors
// are logged and the loop keeps reading from the same connection.
func (t *Transport) Run() {
	t.wg.Add(1)
	defer t.wg.Done()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Error("transport", "Run called before Connect")
		return
	}

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.evictStaleBuffer()
				continue
			}
			t.logger.Warn("transport", "read error", map[string]interface{}{"error": err.Error()})
			time.Sleep(250 * time.Millisecond)
			continue
		}
		line = strings.TrimRight(line, "\r\n")
		verbose.Printf("transport: recv %q", line)
		t.handleLine(line)
	}
}

func (t *Transport) evictStaleBuffer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reassembly != "" && time.Since(t.reassemblyAt) > staleBufferAge {
		t.reassembly = ""
	}
}

func (t *Transport) handleLine(line string) {
	if line == "" {
		return
	}

	t.mu.Lock()
	if strings.HasPrefix(line, "{") && !strings.HasSuffix(strings.TrimSpace(line), "}") {
		if time.Since(t.reassemblyAt) > staleBufferAge {
			t.reassembly = ""
		}
		t.reassembly += line
		t.reassemblyAt = time.Now()
		t.mu.Unlock()
		return
	}
	if t.reassembly != "" {
		if time.Since(t.reassemblyAt) <= staleBufferAge {
			line = t.reassembly + line
		}
		t.reassembly = ""
	}
	t.mu.Unlock()

	if !strings.HasPrefix(line, "{") {
		t.sink.OnLine(line)
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return
	}
	if _, ok := probe["tcpstatus"]; ok {
		t.handleBridgeStatus(probe)
		return
	}
	if _, ok := probe["gpio"]; ok {
		t.handleBridgeGPIO(probe)
		return
	}
	t.sink.OnLine(line)
}

func (t *Transport) handleBridgeStatus(probe map[string]json.RawMessage) {
	if raw, ok := probe["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
			t.logger.Error("transport", "bridge reported error", map[string]interface{}{"error": msg})
		}
	}
}

func (t *Transport) handleBridgeGPIO(probe map[string]json.RawMessage) {
	var relayed struct {
		Armed      int `json:"armed"`
		StartStop  int `json:"start_stop"`
		ManFire    int `json:"man_fire"`
	}
	if raw, ok := probe["gpio"]; ok {
		_ = json.Unmarshal(raw, &relayed)
	}
	t.sink.OnGPIO(GPIOSnapshot{
		Armed:      relayed.Armed != 0,
		StartStop:  relayed.StartStop != 0,
		ManualFire: relayed.ManFire != 0,
	})
}

// Send writes a single line to the bridge, serialized by a write mutex.
func (t *Transport) Send(line string) error {
	return t.writeLine(line)
}

func (t *Transport) writeLine(line string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	verbose.Printf("transport: send %q", line)
	_, err := conn.Write([]byte(line + "\n"))
	if err != nil {
		t.mu.Lock()
		t.badTxCount++
		bad := t.badTxCount
		t.mu.Unlock()
		if bad > badTxThreshold {
			t.sink.OnDeviceError(fmt.Errorf("transport: %d consecutive write failures", bad))
		}
		return fmt.Errorf("write to bridge: %w", err)
	}

	t.mu.Lock()
	t.badTxCount = 0
	t.lastWriteOK = time.Now()
	t.mu.Unlock()
	return nil
}

// IsTransmitting reports whether a write has succeeded recently enough for
// the engine to consider the dongle actively transmitting.
func (t *Transport) IsTransmitting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastWriteOK.IsZero() && time.Since(t.lastWriteOK) <= transmittingWindow
}

// Stop signals the reader loop to exit and closes the connection.
func (t *Transport) Stop() {
	close(t.stopCh)
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}
