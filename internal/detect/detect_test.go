package detect

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/protocol"
	"github.com/feaser/openblt/internal/serial"
	"github.com/feaser/openblt/internal/transport"
)

var connectResp = []byte{protocol.PIDResponse, protocol.ResourcePGM, 0, 8, 8, 0, 1, 1}

// linkStub answers CONNECT on the port names in alive.
type linkStub struct {
	name   string
	alive  bool
	sent   [][]byte
	closed bool
}

func (l *linkStub) Open() error {
	if l.name == "gone" {
		return blterr.Errorf(blterr.ErrTransport, "stub", "%w", blterr.ErrDeviceNotFound)
	}
	return nil
}

func (l *linkStub) Send(packet []byte) error {
	l.sent = append(l.sent, packet)
	return nil
}

func (l *linkStub) Receive(timeout time.Duration) ([]byte, error) {
	if !l.alive {
		return nil, blterr.Errorf(blterr.ErrTimeout, "stub", "%w", blterr.ErrTimedOut)
	}
	return connectResp, nil
}

func (l *linkStub) Close() error {
	l.closed = true
	return nil
}

func (l *linkStub) MaxPacketSize() int { return 255 }

func stubEnv(t *testing.T, ports []serial.PortInfo, usb []Candidate, alive map[string]bool) map[string]*linkStub {
	t.Helper()
	oldSerial, oldUSB, oldTransport := listSerial, listUSB, newTransport
	t.Cleanup(func() {
		listSerial, listUSB, newTransport = oldSerial, oldUSB, oldTransport
	})

	links := map[string]*linkStub{}
	listSerial = func() ([]serial.PortInfo, error) { return ports, nil }
	listUSB = func() ([]Candidate, error) { return usb, nil }
	newTransport = func(cfg transport.Config) (transport.Transport, error) {
		name := "usb"
		switch c := cfg.(type) {
		case transport.SerialConfig:
			name = c.Port
		case transport.ModbusRTUConfig:
			name = c.Port
		}
		l := &linkStub{name: name, alive: alive[name]}
		links[name] = l
		return l, nil
	}
	return links
}

func TestListSerialPorts(t *testing.T) {
	stubEnv(t, []serial.PortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1D50", PID: "60AC", SerialNumber: "42"},
	}, nil, nil)

	got, err := ListSerialPorts()
	require.NoError(t, err)
	assert.Equal(t, []Candidate{
		{Kind: KindSerial, Name: "/dev/ttyS0"},
		{Kind: KindSerial, Name: "/dev/ttyACM0", VID: "1D50", PID: "60AC", SerialNumber: "42"},
	}, got)
	assert.Equal(t, "serial /dev/ttyS0", got[0].String())
	assert.Equal(t, "serial /dev/ttyACM0 [1D50:60AC]", got[1].String())
}

func TestListCandidates_USBFailureKeepsSerial(t *testing.T) {
	stubEnv(t, []serial.PortInfo{{Name: "COM3"}}, nil, nil)
	listUSB = func() ([]Candidate, error) { return nil, errors.New("libusb missing") }

	got, err := ListCandidates()
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Kind: KindSerial, Name: "COM3"}}, got)
}

func TestListSerialPorts_Error(t *testing.T) {
	stubEnv(t, nil, nil, nil)
	listSerial = func() ([]serial.PortInfo, error) { return nil, errors.New("no sysfs") }

	_, err := ListSerialPorts()
	assert.ErrorIs(t, err, blterr.ErrTransport)
}

func TestCandidate_Transport(t *testing.T) {
	sc, ok := Candidate{Kind: KindSerial, Name: "COM1"}.Transport(115200).(transport.SerialConfig)
	require.True(t, ok)
	assert.Equal(t, "COM1", sc.Port)
	assert.Equal(t, 115200, sc.Baud)

	sc = Candidate{Kind: KindSerial, Name: "COM1"}.Transport(0).(transport.SerialConfig)
	assert.Equal(t, transport.DefaultSerialConfig("COM1").Baud, sc.Baud)

	_, ok = Candidate{Kind: KindUSB}.Transport(0).(transport.USBConfig)
	assert.True(t, ok)
}

func TestPing(t *testing.T) {
	links := stubEnv(t, nil, nil, map[string]bool{"COM1": true})

	info, err := Ping(transport.DefaultSerialConfig("COM1"), 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, byte(8), info.MaxCto)
	assert.Equal(t, [][]byte{protocol.Connect(0)}, links["COM1"].sent)
	assert.True(t, links["COM1"].closed)

	_, err = Ping(transport.DefaultSerialConfig("COM2"), 0, 10*time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrTimeout)
}

func TestDetectDevice_FirstAnswering(t *testing.T) {
	stubEnv(t,
		[]serial.PortInfo{{Name: "gone"}, {Name: "COM1"}, {Name: "COM2"}},
		[]Candidate{{Kind: KindUSB, Name: "bus 1 addr 4"}},
		map[string]bool{"COM2": true, "usb": true},
	)

	res, err := DetectDevice(57600, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "COM2", res.Candidate.Name)
	assert.Equal(t, uint16(8), res.Info.MaxDto)
}

func TestDetectDevice_NothingAnswers(t *testing.T) {
	stubEnv(t, []serial.PortInfo{{Name: "COM1"}}, nil, nil)

	_, err := DetectDevice(57600, 10*time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrDeviceNotFound)
	assert.ErrorIs(t, err, blterr.ErrTimedOut)

	stubEnv(t, nil, nil, nil)
	_, err = DetectDevice(57600, 10*time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrDeviceNotFound)
}

func TestDetectSerialPort_UsesLinkSettings(t *testing.T) {
	stubEnv(t,
		[]serial.PortInfo{{Name: "COM1"}, {Name: "COM5"}},
		[]Candidate{{Kind: KindUSB, Name: "bus 1 addr 4"}},
		map[string]bool{"COM5": true, "usb": true},
	)

	var built []transport.Config
	res, err := DetectSerialPort(func(port string) transport.Config {
		cfg := transport.DefaultModbusRTUConfig(port)
		built = append(built, cfg)
		return cfg
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "COM5", res.Candidate.Name)
	assert.Equal(t, KindSerial, res.Candidate.Kind)
	require.Len(t, built, 2)
	assert.IsType(t, transport.ModbusRTUConfig{}, built[1])
}

func TestDetectSerialPort_SkipsUSB(t *testing.T) {
	stubEnv(t, nil, []Candidate{{Kind: KindUSB, Name: "bus 1 addr 4"}}, map[string]bool{"usb": true})

	_, err := DetectSerialPort(func(port string) transport.Config {
		return transport.DefaultSerialConfig(port)
	}, 10*time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrDeviceNotFound)
}
