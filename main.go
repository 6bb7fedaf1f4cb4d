package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"msnslp/config"
	"msnslp/dispatch"
	"msnslp/node"
	slpsignal "msnslp/slp/signal"
	"msnslp/storage"
	"msnslp/switchboard"
)

const usage = `usage: msnslp [flags] <command> [args]

commands:
  run                        stay online and receive transfers
  send <passport> <file>     send a file
  publish <file> [location]  publish an object other accounts may request
  request <passport> <msnobj> request an object
  transfers                  list recorded transfers
  relay <address>            run a switchboard relay server
`

func main() {
	advertise := flag.String("advertise", "", "address announced for direct connections")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	if args[0] == "relay" {
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		if err := runRelay(ctx, args[1]); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("Relay failed", zap.Error(err))
		}
		return
	}

	fmt.Printf("Passport:        %s\n", cfg.Passport)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Files Directory: %s\n", cfg.FilesDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatal("Startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	if args[0] == "transfers" {
		if err := printTransfers(store); err != nil {
			log.Fatal("Listing transfers failed", zap.Error(err))
		}
		return
	}

	nodeCfg := node.Config{
		Passport:            cfg.Passport,
		DisplayName:         cfg.DisplayName,
		FilesDir:            cfg.FilesDir,
		AutoAcceptFiles:     cfg.AutoAcceptFiles,
		SwitchboardAddress:  cfg.SwitchboardAddress,
		DirectListenAddress: directListenAddress(cfg),
		DirectTimeout:       time.Duration(cfg.DirectConnectTimeoutSeconds) * time.Second,
		AdvertiseMDNS:       cfg.AdvertiseMDNS,
		MaxBufferedMessage:  cfg.MaxBufferedMessage,
		PartsPerTurn:        cfg.PartsPerTurn,
		Store:               store,
		Logger:              log,
	}
	if *advertise != "" {
		nodeCfg.Advertise = []string{*advertise}
	}
	if !cfg.AutoAcceptFiles {
		nodeCfg.OnFileRequest = func(req dispatch.FileRequestNotification) (bool, error) {
			log.Info("Declining file, auto accept is off",
				zap.String("from", req.From), zap.String("file", req.Filename), zap.Uint64("size", req.Filesize))
			return false, nil
		}
	}

	n, err := node.New(nodeCfg)
	if err != nil {
		log.Fatal("Startup failed while creating node", zap.Error(err))
	}
	fmt.Printf("Direct Port:     %d\n", n.DirectPort())

	action, err := commandAction(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = parallel.Run(runCtx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("node", parallel.Fail, n.Run)
		spawn("command", parallel.Fail, func(ctx context.Context) error {
			if action == nil {
				return nil
			}
			defer cancel()
			return action(ctx, n)
		})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Node failed", zap.Error(err))
	}
	fmt.Println("Status:          stopped")
}

type actionFunc func(ctx context.Context, n *node.Node) error

func commandAction(args []string) (actionFunc, error) {
	switch args[0] {
	case "run":
		fmt.Println("Status:          running (press Ctrl+C to stop)")
		return nil, nil
	case "send":
		if len(args) != 3 {
			return nil, errors.New("send needs a passport and a file")
		}
		return func(ctx context.Context, n *node.Node) error {
			if err := waitConnected(ctx, n); err != nil {
				return err
			}
			callID, err := n.SendFile(ctx, args[1], args[2])
			if err != nil {
				return err
			}
			return waitTransfer(ctx, n, callID)
		}, nil
	case "publish":
		if len(args) < 2 || len(args) > 3 {
			return nil, errors.New("publish needs a file and an optional location")
		}
		return func(ctx context.Context, n *node.Node) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return errors.Wrap(err, "read object")
			}
			location := filepath.Base(args[1])
			if len(args) == 3 {
				location = args[2]
			}
			obj, err := n.PublishObject(ctx, slpsignal.ObjectDisplayPicture, location, data)
			if err != nil {
				return err
			}
			fmt.Println(obj.String())
			return nil
		}, nil
	case "request":
		if len(args) != 3 {
			return nil, errors.New("request needs a passport and an msnobj descriptor")
		}
		obj, err := slpsignal.ParseObject(args[2])
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, n *node.Node) error {
			if err := waitConnected(ctx, n); err != nil {
				return err
			}
			callID, err := n.RequestObject(ctx, args[1], obj)
			if err != nil {
				return err
			}
			return waitTransfer(ctx, n, callID)
		}, nil
	default:
		return nil, errors.Errorf("unknown command %q", args[0])
	}
}

func waitConnected(ctx context.Context, n *node.Node) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !n.Connected() {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func waitTransfer(ctx context.Context, n *node.Node, callID string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}

		transfers, err := n.Transfers(storage.TransferFilter{})
		if err != nil {
			return err
		}
		for _, t := range transfers {
			if t.CallID != callID {
				continue
			}
			switch t.Status {
			case storage.TransferStatusPending, storage.TransferStatusActive:
				fmt.Printf("%s: %d/%d bytes\n", t.Name, t.Bytes, t.Size)
			case storage.TransferStatusComplete:
				fmt.Printf("%s: complete\n", t.Name)
				return nil
			default:
				return errors.Errorf("transfer %s ended %s %s", t.Name, t.Status, t.Error)
			}
		}
	}
}

func printTransfers(store *storage.Store) error {
	transfers, err := store.ListTransfers(storage.TransferFilter{})
	if err != nil {
		return err
	}
	for _, t := range transfers {
		fmt.Printf("%s %-8s %-22s %-9s %d/%d %s\n", t.CallID, t.Direction, t.Peer, t.Status, t.Bytes, t.Size, t.Name)
	}
	return nil
}

func runRelay(ctx context.Context, address string) error {
	ls, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", address)
	}
	fmt.Printf("Relay:           %s\n", ls.Addr())
	return switchboard.RunServer(ctx, ls, switchboard.ServerConfig{})
}

func directListenAddress(cfg *config.AccountConfig) string {
	if cfg.DirectPortMode == config.PortModeFixed {
		return ":" + strconv.Itoa(cfg.DirectListenPort)
	}
	return ":0"
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" || level == "debug" {
		return zap.NewDevelopment()
	}
	zapCfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zapCfg.Level = lvl
	return zapCfg.Build()
}
