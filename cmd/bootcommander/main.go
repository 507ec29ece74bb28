package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/feaser/openblt/internal/compat"
	"github.com/feaser/openblt/internal/detect"
	"github.com/feaser/openblt/internal/firmware"
	_ "github.com/feaser/openblt/internal/firmware/ihex"
	_ "github.com/feaser/openblt/internal/firmware/srec"
	"github.com/feaser/openblt/internal/flasher"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/protocol"
	"github.com/feaser/openblt/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bootcommander",
		Short: "Update the firmware of microcontrollers running the OpenBLT bootloader",
		Long: `BootCommander performs firmware updates on microcontrollers that run the
OpenBLT bootloader, over RS232, CAN, USB, TCP/IP or Modbus RTU.

The firmware file is an S-record (.srec, .s19, .s28, .s37, .mot) or
Intel HEX (.hex) file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				logger.SetLevel(logger.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log every protocol exchange")
	rootCmd.PersistentFlags().BoolVarP(&silentFlag, "silent", "s", false, "Print nothing but errors")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <firmware-file>",
		Short: "Program a firmware file into the target",
		Long: `Connect to the bootloader, check the info table, erase the memory the
firmware covers and program it. When the bootloader does not answer, the
connect is repeated until the target is reset into its bootloader.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addLinkFlags(flashCmd)
	addSessionFlags(flashCmd)
	flashCmd.Flags().BoolVar(&noInfoTableFlag, "no-info-table", false, "Skip the info table check")

	// Read command
	readCmd := &cobra.Command{
		Use:   "read <address> <length> <output-file>",
		Short: "Read target memory into a firmware file",
		Args:  cobra.ExactArgs(3),
		RunE:  runRead,
	}
	addLinkFlags(readCmd)
	addSessionFlags(readCmd)

	// Erase command
	eraseCmd := &cobra.Command{
		Use:   "erase <address> <length>",
		Short: "Erase a range of target memory",
		Args:  cobra.ExactArgs(2),
		RunE:  runErase,
	}
	addLinkFlags(eraseCmd)
	addSessionFlags(eraseCmd)

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Query the bootloader and show its connect parameters",
		RunE:  runInfo,
	}
	addLinkFlags(infoCmd)
	infoCmd.Flags().IntVar(&t6Flag, "t6", int(session.DefaultConfig().Timeouts.T6.Milliseconds()), "Connect timeout (ms)")
	infoCmd.Flags().Uint8Var(&connectModeFlag, "connect-mode", 0, "CONNECT mode parameter")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List serial ports and bootloader USB devices",
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bootcommander %s\n", version)
			fmt.Printf("  commit:  %s\n", commit)
			fmt.Printf("  built:   %s\n", date)
			fmt.Printf("  library: %s\n", compat.VersionString())
		},
	}

	rootCmd.AddCommand(flashCmd, readCmd, eraseCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(flasher.ExitCode(err))
	}
}

func say(format string, args ...any) {
	if !silentFlag {
		fmt.Printf(format, args...)
	}
}

// progress returns a callback drawing one bar per segment and phase.
func progress() flasher.ProgressCallback {
	var bar *progressbar.ProgressBar
	return func(phase flasher.Phase, address uint32, current, total int) {
		if silentFlag {
			return
		}
		if current == 0 {
			desc := map[flasher.Phase]string{
				flasher.PhaseErase:   "Erasing",
				flasher.PhaseProgram: "Programming",
				flasher.PhaseRead:    "Reading",
			}[phase]
			fmt.Printf("%s %d bytes starting at 0x%08X\n", desc, total, address)
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(desc),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			return
		}
		if bar != nil {
			bar.Set(current)
			if current == total {
				bar.Finish()
			}
		}
	}
}

// newFlasher creates a session from the flags and a flasher driving it.
func newFlasher() (*session.Session, *flasher.Flasher, error) {
	tcfg, err := transportConfig()
	if err != nil {
		return nil, nil, err
	}
	scfg, err := sessionConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(scfg, tcfg)
	if err != nil {
		return nil, nil, err
	}
	f, err := flasher.New(s, flasherConfig())
	if err != nil {
		s.Terminate()
		return nil, nil, err
	}
	f.SetProgressCallback(progress())
	f.SetRetryCallback(func(attempt int) {
		if attempt == 1 {
			say("No response, attempting backdoor entry (reset the target if this takes too long)...\n")
		}
	})
	return s, f, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	firmwarePath := args[0]
	image, err := flasher.LoadImage(firmwarePath, 0, nil)
	if err != nil {
		return err
	}
	say("Firmware: %s (%d bytes in %d segment(s), base 0x%08X)\n",
		firmwarePath, image.Size(), image.SegmentCount(), image.Base())

	s, f, err := newFlasher()
	if err != nil {
		return err
	}
	defer s.Terminate()

	say("Connecting to target bootloader...\n")
	if err := f.Flash(ctx, image); err != nil {
		var fe *flasher.Error
		if errors.As(err, &fe) && fe.Stage == flasher.StageInfoTable {
			say("Info table check failed\n")
		}
		return err
	}

	say("Firmware update complete\n")
	return nil
}

// connected runs fn between a successful connect and the stop of the session.
func connected(ctx context.Context, fn func(f *flasher.Flasher) error) error {
	s, f, err := newFlasher()
	if err != nil {
		return err
	}
	defer s.Terminate()

	say("Connecting to target bootloader...\n")
	if err := f.Connect(ctx); err != nil {
		return err
	}
	defer s.Stop()
	return fn(f)
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	address, err := parseUint32("address", args[0])
	if err != nil {
		return err
	}
	length, err := parseUint32("length", args[1])
	if err != nil {
		return err
	}
	outPath := args[2]
	if _, err := firmware.CodecFor(outPath); err != nil {
		return err
	}

	var data []byte
	err = connected(ctx, func(f *flasher.Flasher) error {
		data, err = f.Read(ctx, address, length)
		return err
	})
	if err != nil {
		return err
	}

	image := firmware.NewStore(nil)
	if err := image.Add(address, data); err != nil {
		return err
	}
	if err := image.Save(outPath); err != nil {
		return err
	}
	say("Saved %d bytes to %s\n", len(data), outPath)
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	address, err := parseUint32("address", args[0])
	if err != nil {
		return err
	}
	length, err := parseUint32("length", args[1])
	if err != nil {
		return err
	}

	err = connected(ctx, func(f *flasher.Flasher) error {
		return f.EraseRange(ctx, address, length)
	})
	if err != nil {
		return err
	}
	say("Erased %d bytes starting at 0x%08X\n", length, address)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	tcfg, err := transportConfig()
	if err != nil {
		return err
	}

	info, err := detect.Ping(tcfg, connectModeFlag, ms(t6Flag))
	if err != nil {
		return fmt.Errorf("no bootloader on %s: %w", tcfg.Name(), err)
	}

	order := "Intel"
	if info.CommMode&0x01 != 0 {
		order = "Motorola"
	}
	fmt.Printf("Bootloader on %s:\n", tcfg.Name())
	fmt.Printf("  Resources:  0x%02X (programming %v)\n", info.Resources, info.Resources&protocol.ResourcePGM != 0)
	fmt.Printf("  Byte order: %s\n", order)
	fmt.Printf("  Max CTO:    %d\n", info.MaxCto)
	fmt.Printf("  Max DTO:    %d\n", info.MaxDto)
	fmt.Printf("  Versions:   protocol layer %d, transport layer %d\n", info.Protocol, info.Transport)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	candidates, err := detect.ListCandidates()
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		fmt.Println("No serial ports or bootloader USB devices found")
		return nil
	}

	fmt.Println("Available links:")
	for _, c := range candidates {
		fmt.Printf("  %s", c)
		if c.SerialNumber != "" {
			fmt.Printf(" serial %s", c.SerialNumber)
		}
		fmt.Println()
	}

	return nil
}
