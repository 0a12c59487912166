// Command pios boots the modeled board and attaches the host terminal to
// its console.
//
// With no arguments it boots the default card image: three copies each of
// /sleep and /fib. A YAML machine file or flags select memory size, the
// initial programs, and a host directory to preload as the card image.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pios"
	"github.com/tinyrange/pios/internal/console"
	"github.com/tinyrange/pios/userland"
)

// MachineConfig is the YAML machine description.
type MachineConfig struct {
	MemoryMB int      `yaml:"memory_mb,omitempty"`
	Init     []string `yaml:"init,omitempty"`
	Copies   int      `yaml:"copies,omitempty"`
	DiskDir  string   `yaml:"disk_dir,omitempty"`
	Verbose  bool     `yaml:"verbose,omitempty"`
}

func loadConfig(path string) (MachineConfig, error) {
	cfg := MachineConfig{MemoryMB: 128, Copies: 3, Init: []string{"/sleep", "/fib"}}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 128
	}
	if cfg.Copies == 0 {
		cfg.Copies = 3
	}
	if len(cfg.Init) == 0 {
		cfg.Init = []string{"/sleep", "/fib"}
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pios: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf rewrites bare newlines for a raw-mode terminal.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	_, err = f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
	return len(p), err
}

func run() error {
	memFlag := flag.Int("memory", 0, "RAM size in MiB")
	initFlag := flag.String("init", "", "comma-separated initial program paths")
	copiesFlag := flag.Int("copies", 0, "copies of each initial program")
	diskFlag := flag.String("disk", "", "host directory preloaded as the card image")
	verbose := flag.Bool("v", false, "verbose machine diagnostics")
	flag.Parse()

	cfg, err := loadConfig(flag.Arg(0))
	if err != nil {
		return err
	}
	if *memFlag != 0 {
		cfg.MemoryMB = *memFlag
	}
	if *initFlag != "" {
		cfg.Init = strings.Split(*initFlag, ",")
	}
	if *copiesFlag != 0 {
		cfg.Copies = *copiesFlag
	}
	if *diskFlag != "" {
		cfg.DiskDir = *diskFlag
	}

	level := slog.LevelWarn
	if *verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Put the terminal in raw mode while the machine console owns it.
	var out io.Writer = os.Stdout
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
		out = &fixCrlf{w: os.Stdout}
	}

	m := pios.New(
		pios.WithMemoryMB(cfg.MemoryMB),
		pios.WithConsole(out),
		pios.WithInit(cfg.Init, cfg.Copies),
		pios.WithFaultPrompt(),
		pios.WithLogger(log),
	)

	m.Register("/sleep", userland.Sleep)
	m.Register("/fib", userland.Fib)
	m.Register("/echo", userland.Echo)

	if cfg.DiskDir != "" {
		if err := preloadDisk(m, cfg.DiskDir); err != nil {
			return err
		}
	}

	fmt.Fprint(out, console.Banner("pios (quad-core aarch64 model)"))
	m.Boot()

	// Pump console input until the process receives an interrupt signal.
	// In raw mode the terminal generates no signals, so Ctrl-C reaches the
	// guest shell as an ordinary input byte.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				m.Uart().InjectInput(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	<-sig
	fmt.Fprint(out, "\n")
	return nil
}

// preloadDisk transfers a host directory onto the card image, with the
// transfer progress the serial bootloader would show.
func preloadDisk(m *pios.Machine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("disk dir: %w", err)
	}

	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}

	bar := progressbar.DefaultBytes(total, "loading card image")
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("disk file %s: %w", e.Name(), err)
		}
		m.WriteImage("/"+e.Name(), data)
		if _, err := io.Copy(bar, bytes.NewReader(data)); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return bar.Finish()
}
