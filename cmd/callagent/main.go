package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/agent"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/logging"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

func main() {
	cfg := config.LoadAgent()

	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "signaling server base URL")
	flag.StringVar(&cfg.Username, "user", cfg.Username, "user to log in as")
	flag.StringVar(&cfg.Password, "password", cfg.Password, "password for the demo login")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level")
	conversations := flag.String("conversations", "", "comma separated conversations to listen on")
	callConversation := flag.String("call", "", "place a call in this conversation on startup")
	callType := flag.String("type", string(models.CallTypeVideo), "call type: audio or video")
	autoAnswer := flag.Bool("auto-answer", false, "answer every incoming call")
	duration := flag.Duration("duration", 0, "hang up after this long; 0 keeps the call open")
	flag.Parse()

	logging.Setup(cfg.Environment, cfg.LogLevel)
	if cfg.Username == "" {
		log.Fatal().Msg("a user is required (-user or AGENT_USER)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := agent.NewClient(cfg.ServerURL)
	if err != nil {
		log.Fatal().Err(err).Msg("bad server url")
	}
	if err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	relayClient, err := agent.DialRelay(ctx, client)
	if err != nil {
		log.Fatal().Err(err).Msg("relay unavailable")
	}
	defer relayClient.Close()

	devices, err := media.NewSystemDevices()
	if err != nil {
		log.Fatal().Err(err).Msg("media devices")
	}
	api, err := call.NewAPI(devices, cfg.Call, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	newPeer := call.NewPeerFactory(api)
	acquirer := media.NewAcquirer(devices)

	notifier := &agent.LogNotifier{Logger: log.With().Str("user", client.UserID()).Logger()}
	ctl := controller.New(client.UserID(), client, relayClient, notifier,
		func(sender call.SignalSender, events call.EventHandler) controller.PeerManager {
			return call.NewManager(client.UserID(), call.ConfigFrom(cfg.Call), newPeer, acquirer, sender, events)
		})
	defer ctl.Close()

	if *autoAnswer {
		notifier.OnIncoming = func(c models.Call) {
			if _, err := ctl.Answer(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("callId", c.ID).Msg("auto-answer failed")
			}
		}
	}

	listen := config.SplitList(*conversations)
	if *callConversation != "" {
		listen = append(listen, *callConversation)
	}
	for _, id := range listen {
		if err := relayClient.Subscribe(id); err != nil {
			log.Fatal().Err(err).Str("conversationId", id).Msg("subscribe")
		}
	}

	relayDone := make(chan error, 1)
	go func() { relayDone <- relayClient.Run(ctx, ctl.HandleEnvelope) }()

	if *callConversation != "" {
		placed, err := ctl.PlaceCall(ctx, *callConversation, models.CallType(*callType))
		if err != nil {
			log.Fatal().Err(err).Msg("place call")
		}
		if *duration > 0 {
			time.AfterFunc(*duration, func() {
				if _, err := ctl.HangUp(context.Background(), placed.ID); err != nil {
					log.Warn().Err(err).Str("callId", placed.ID).Msg("hang up")
				}
			})
		}
	}

	log.Info().Str("user", client.UserID()).Strs("conversations", listen).Msg("call agent running")

	select {
	case <-ctx.Done():
	case err := <-relayDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay connection lost")
		}
	}

	if snap, ok := ctl.Current(); ok && snap.State != call.StateClosed {
		hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := ctl.HangUp(hangCtx, snap.CallID); err != nil {
			log.Warn().Err(err).Str("callId", snap.CallID).Msg("hang up on exit")
		}
		cancel()
	}
}
