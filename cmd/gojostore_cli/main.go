package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	log.SetFlags(0) // No flags for simple CLI output

	configPath := flag.String("config", "", "path to a YAML config file")
	dataFile := flag.String("data", "", "database file (overrides storage.data_file)")
	leafMax := flag.Int("leaf-max", -1, "leaf max size (overrides index.leaf_max_size)")
	internalMax := flag.Int("internal-max", -1, "internal max size (overrides index.internal_max_size)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}
	if *leafMax >= 0 {
		cfg.Index.LeafMaxSize = *leafMax
	}
	if *internalMax >= 0 {
		cfg.Index.InternalMaxSize = *internalMax
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer zlogger.Sync()

	s, err := openSession(cfg, os.Stdout, zlogger)
	if err != nil {
		log.Fatalf("Error opening store: %v", err)
	}
	defer func() {
		if err := s.close(); err != nil {
			zlogger.Error("Failed to close store", zap.Error(err))
		}
	}()
	s.logger.Info("Session started", zap.String("data_file", cfg.Storage.DataFile))

	if args := flag.Args(); len(args) > 0 {
		if err := s.execute(args); err != nil && !errors.Is(err, errExit) {
			fmt.Printf("Error: %v\n", err)
		}
		return
	}
	if err := interactive(s); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func interactive(s *session) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".gojostore_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("insert"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("load"),
			readline.PcItem("unload"),
			readline.PcItem("scan"),
			readline.PcItem("print"),
			readline.PcItem("flush"),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "GojoStore CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	s.out = rl.Stdout()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = s.execute(strings.Fields(line))
		if errors.Is(err, errExit) {
			fmt.Fprintln(rl.Stdout(), "Exiting GojoStore CLI.")
			return nil
		}
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}
}
