package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/feaser/openblt/internal/detect"
	"github.com/feaser/openblt/internal/flasher"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/seedkey"
	"github.com/feaser/openblt/internal/serial"
	"github.com/feaser/openblt/internal/session"
	"github.com/feaser/openblt/internal/transport"
)

var (
	transportFlag string
	deviceFlag    string
	baudFlag      int
	checksumFlag  bool

	canChannelFlag uint32
	canBRSBaudFlag int
	canTxIDFlag    uint32
	canRxIDFlag    uint32
	canExtFlag     bool

	hostFlag string
	portFlag int

	parityFlag      string
	stopBitsFlag    int
	destinationFlag uint8

	t1Flag, t3Flag, t4Flag, t5Flag, t6Flag, t7Flag int
	connectModeFlag                                uint8
	seedKeyFlag                                    string
	maxPacketFlag                                  int

	eraseChunkFlag  uint32
	writeChunkFlag  uint32
	attemptsFlag    int
	noInfoTableFlag bool

	verboseFlag bool
	silentFlag  bool
)

// addLinkFlags registers the flags that select and configure the transport.
func addLinkFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&transportFlag, "transport", "t", transport.SerialConfig{}.Name(),
		"Transport layer: xcp_rs232, xcp_can, xcp_usb, xcp_net or xcp_mbrtu")
	f.StringVarP(&deviceFlag, "device", "d", "", "Serial port or CAN interface (serial ports are searched when empty)")
	f.IntVarP(&baudFlag, "baud", "b", 0, "Serial or CAN bit rate (transport default if 0)")
	f.BoolVar(&checksumFlag, "checksum", false, "Append a byte checksum to serial frames")

	f.Uint32Var(&canChannelFlag, "can-channel", 0, "CAN channel appended to a device name without index")
	f.IntVar(&canBRSBaudFlag, "can-brs-baud", 0, "CAN FD data phase bit rate (0 for classic CAN)")
	f.Uint32Var(&canTxIDFlag, "tid", 0x667, "CAN identifier of commands")
	f.Uint32Var(&canRxIDFlag, "rid", 0x7E1, "CAN identifier of responses")
	f.BoolVar(&canExtFlag, "xid", false, "Use 29-bit CAN identifiers")

	f.StringVar(&hostFlag, "host", "", "Hostname or IP address of the target")
	f.IntVar(&portFlag, "port", 1000, "TCP port of the target")

	f.StringVar(&parityFlag, "parity", "even", "Modbus RTU parity: none, odd or even")
	f.IntVar(&stopBitsFlag, "stopbits", 1, "Modbus RTU stop bits: 1 or 2")
	f.Uint8Var(&destinationFlag, "destination", 1, "Modbus RTU destination address")
}

// addSessionFlags registers the protocol flags.
func addSessionFlags(cmd *cobra.Command) {
	def := session.DefaultConfig().Timeouts
	f := cmd.Flags()
	f.IntVar(&t1Flag, "t1", int(def.T1.Milliseconds()), "Command response timeout (ms)")
	f.IntVar(&t3Flag, "t3", int(def.T3.Milliseconds()), "Start programming and program timeout (ms)")
	f.IntVar(&t4Flag, "t4", int(def.T4.Milliseconds()), "Erase timeout (ms)")
	f.IntVar(&t5Flag, "t5", int(def.T5.Milliseconds()), "Program end and reset timeout (ms)")
	f.IntVar(&t6Flag, "t6", int(def.T6.Milliseconds()), "Connect timeout (ms)")
	f.IntVar(&t7Flag, "t7", int(def.T7.Milliseconds()), "Busy wait timeout (ms)")
	f.Uint8Var(&connectModeFlag, "connect-mode", 0, "CONNECT mode parameter")
	f.StringVar(&seedKeyFlag, "seed-key", "", `Seed/key algorithm: "decrement" or "aes256:<hex key>"`)
	f.IntVar(&maxPacketFlag, "max-packet", 0, "Cap on the negotiated packet size (0 for no cap)")
	f.IntVar(&attemptsFlag, "attempts", 0, "Connect attempts before giving up (0 retries until interrupted)")
	f.Uint32Var(&eraseChunkFlag, "erase-chunk", flasher.DefaultEraseChunk, "Largest range erased per request")
	f.Uint32Var(&writeChunkFlag, "write-chunk", flasher.DefaultWriteChunk, "Largest block programmed or read per request")
}

func parseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	default:
		return 0, fmt.Errorf("invalid parity %q", s)
	}
}

// detectSerialPort finds the port a bootloader answers on when no device is given.
var detectSerialPort = detect.DetectSerialPort

// withDevice builds the settings of a serial link. Without --device every serial port
// is tried with a CONNECT until a bootloader answers.
func withDevice(link func(port string) transport.Config) (transport.Config, error) {
	if deviceFlag != "" {
		return link(deviceFlag), nil
	}
	// Settings that are wrong on any port fail before the scan.
	if err := link("auto").Validate(); err != nil {
		return nil, err
	}
	res, err := detectSerialPort(link, ms(t6Flag))
	if err != nil {
		return nil, fmt.Errorf("no --device given and no bootloader found: %w", err)
	}
	say("Found bootloader on %s\n", res.Candidate.Name)
	return link(res.Candidate.Name), nil
}

// transportConfig builds the transport settings from the flags.
func transportConfig() (transport.Config, error) {
	var cfg transport.Config
	var err error
	switch transportFlag {
	case transport.SerialConfig{}.Name():
		cfg, err = withDevice(func(port string) transport.Config {
			c := transport.DefaultSerialConfig(port)
			if baudFlag > 0 {
				c.Baud = baudFlag
			}
			if checksumFlag {
				c.Checksum = framing.ChecksumByte
			}
			return c
		})
	case transport.CANConfig{}.Name():
		c := transport.DefaultCANConfig(deviceFlag)
		if baudFlag > 0 {
			c.Baud = baudFlag
		}
		c.Channel = canChannelFlag
		c.BRSBaud = canBRSBaudFlag
		c.TxID, c.RxID, c.Extended = canTxIDFlag, canRxIDFlag, canExtFlag
		cfg = c
	case transport.USBConfig{}.Name():
		cfg = transport.USBConfig{}
	case transport.NetConfig{}.Name():
		c := transport.DefaultNetConfig(hostFlag)
		c.Port = portFlag
		cfg = c
	case transport.ModbusRTUConfig{}.Name():
		parity, perr := parseParity(parityFlag)
		if perr != nil {
			return nil, perr
		}
		cfg, err = withDevice(func(port string) transport.Config {
			c := transport.DefaultModbusRTUConfig(port)
			if baudFlag > 0 {
				c.Baud = baudFlag
			}
			c.Parity = parity
			c.StopBits = serial.StopBits(stopBitsFlag)
			c.Destination = destinationFlag
			return c
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", transportFlag)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// sessionConfig builds the protocol settings from the flags.
func sessionConfig() (session.Config, error) {
	cfg := session.Config{
		Timeouts: session.Timeouts{
			T1: ms(t1Flag),
			T3: ms(t3Flag),
			T4: ms(t4Flag),
			T5: ms(t5Flag),
			T6: ms(t6Flag),
			T7: ms(t7Flag),
		},
		ConnectMode:   connectModeFlag,
		MaxPacketSize: maxPacketFlag,
	}
	if seedKeyFlag != "" {
		p, err := seedkey.Parse(seedKeyFlag)
		if err != nil {
			return session.Config{}, err
		}
		cfg.SeedKey = p
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// flasherConfig builds the workflow settings from the flags.
func flasherConfig() flasher.Config {
	cfg := flasher.DefaultConfig()
	cfg.EraseChunk = eraseChunkFlag
	cfg.WriteChunk = writeChunkFlag
	cfg.StartAttempts = attemptsFlag
	cfg.SkipInfoTable = noInfoTableFlag
	return cfg
}

// parseUint32 accepts decimal, 0x hexadecimal and 0 octal numbers.
func parseUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return uint32(v), nil
}
