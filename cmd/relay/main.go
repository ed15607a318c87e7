package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"

	"relay/config"
	"relay/discovery"
	"relay/discovery/mdns"
	"relay/dto"
	"relay/log"
	"relay/peer"
	"relay/server/hub"
	"relay/server/relay"
)

const (
	modeHub  = "hub"
	modePeer = "peer"
)

func main() {
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())

	// Режим берем из первого аргумента, в терминале можно выбрать из списка
	var mode string
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode, args = args[0], args[1:]
	} else if interactive {
		mode = selectMode()
	}

	switch mode {
	case modeHub:
		runHub(args, interactive)
	case modePeer:
		runPeer(args, interactive)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s hub|peer [flags]\n", os.Args[0])
		os.Exit(2)
	}
}

func runHub(args []string, interactive bool) {
	fs := flag.NewFlagSet(modeHub, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listenAddr := fs.String("addr", "", "hub listen address")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	hc := config.EnsureHub(&cfg)
	if *listenAddr != "" {
		hc.Listen = *listenAddr
	}
	setupLog(cfg.Log)
	if err := config.Validate(config.Config{Hub: hc}); err != nil {
		log.Fatal("error validate config. %w", err)
	}

	doneCtx, doneFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer doneFn()

	clientsHub, err := hub.NewInMemoryHub[dto.Delivery](
		hub.WithDeliveryTimeout(hc.DeliveryTimeout),
		hub.WithWorkers(hc.Workers),
	)
	if err != nil {
		log.Fatal("error create hub. %w", err)
	}
	r, err := relay.New(clientsHub, relay.WithAnnounce(hc.AnnounceEnabled()))
	if err != nil {
		log.Fatal("error create relay. %w", err)
	}
	api := relay.NewAPI(r)

	l := listenHub(hc.Listen, interactive)

	errCh := make(chan error, 1)
	go func() {
		if err := api.Serve(l); err != nil {
			errCh <- fmt.Errorf("error serve hub api. %w", err)
		}
	}()

	// Объявляем хаб в локальной сети, чтобы пиры могли найти его без адреса
	if hc.Advertise {
		reg := mdns.NewRegistry(0)
		if err := reg.Register(discovery.NewPeer(uuid.NewString(), dto.SystemLabel, l.Addr().String())); err != nil {
			log.Err("error advertise hub. %w", err)
		}
		defer func() {
			_ = reg.Unregister()
		}()
	}

	select {
	case err := <-errCh:
		log.Err("hub stopped. %w", err)
	case <-doneCtx.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Err("error shutdown hub api. %w", err)
	}
	r.Close()
	log.Info("shutdown hub")
}

// listenHub при занятом адресе в терминале спрашивает новый, иначе завершает процесс
func listenHub(addr string, interactive bool) net.Listener {
	for {
		l, err := net.Listen("tcp", addr)
		if err == nil {
			return l
		}
		if !interactive {
			log.Fatal("error start hub on %s. %w", addr, err)
		}
		log.Err("error start hub on %s. %w", addr, err)

		addr = ask("Hub listen address", addr, notEmpty)
	}
}

func runPeer(args []string, interactive bool) {
	fs := flag.NewFlagSet(modePeer, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "display name")
	hubAddr := fs.String("hub", "", "hub address, host:port or URL")
	listenAddr := fs.String("listen", "", "callback endpoint listen address")
	transport := fs.String("transport", "", "callback transport: http, tcp or nats")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	pc := config.EnsurePeer(&cfg)
	if *name != "" {
		pc.Name = *name
	}
	if *hubAddr != "" {
		pc.Hub = *hubAddr
	}
	if *listenAddr != "" {
		pc.Listen = *listenAddr
	}
	if *transport != "" {
		pc.Transport = strings.ToLower(*transport)
	}
	setupLog(cfg.Log)

	if interactive {
		if strings.TrimSpace(pc.Name) == "" {
			pc.Name = ask("Your name", "", notEmpty)
		}
		if pc.Hub == "" && !pc.Discover {
			pc.Hub = ask("Hub address", "127.0.0.1"+config.DefaultHubListen, notEmpty)
		}
		if *listenAddr == "" && pc.Transport != config.TransportNATS {
			pc.Listen = ask("Local listen address", pc.Listen, hostPort)
		}
	}
	pc.Name = strings.TrimSpace(pc.Name)
	if err := config.Validate(config.Config{Peer: pc}); err != nil {
		log.Fatal("error validate config. %w", err)
	}

	doneCtx, doneFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer doneFn()

	if err := peer.ResolveHub(doneCtx, pc, mdns.NewRegistry(pc.DiscoverTimeout)); err != nil {
		log.Fatal("error find hub. %w", err)
	}

	agent, err := peer.New(*pc, os.Stdout)
	if err != nil {
		log.Fatal("error create peer. %w", err)
	}
	if err := agent.Start(doneCtx); err != nil {
		_ = agent.Close()
		log.Fatal("error start peer. %w", err)
	}

	err = agent.Run(doneCtx, os.Stdin)
	_ = agent.Close()
	if errors.Is(err, peer.ErrHubGone) {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal("error run peer. %w", err)
	}
	log.Info("shutdown peer")
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("error load config. %w", err)
	}
	config.ApplyEnv(&cfg, os.Getenv)
	return cfg
}

func setupLog(cfg log.Config) {
	if err := log.Setup(os.Stderr, cfg); err != nil {
		log.Fatal("error setup log. %w", err)
	}
}

func selectMode() string {
	s := promptui.Select{
		Label: "Run as",
		Items: []string{modeHub, modePeer},
	}
	_, mode, err := s.Run()
	if err != nil {
		exitOnPrompt(err)
	}
	return mode
}

func ask(label string, def string, validate promptui.ValidateFunc) string {
	p := promptui.Prompt{
		Label:    label,
		Default:  def,
		Validate: validate,
	}
	v, err := p.Run()
	if err != nil {
		exitOnPrompt(err)
	}
	return strings.TrimSpace(v)
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("must not be empty")
	}
	return nil
}

func hostPort(s string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(s)); err != nil {
		return errors.New("expected host:port")
	}
	return nil
}

func exitOnPrompt(err error) {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		os.Exit(0)
	}
	log.Fatal("error read input. %w", err)
}
