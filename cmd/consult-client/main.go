// Command consult-client joins a consultation as a headless participant. It
// sends static Opus and VP8 tracks, which is enough to exercise a relay
// deployment end to end.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"github.com/mossy-p/consult-signaling/internal/client"
	"github.com/mossy-p/consult-signaling/internal/logging"
	"github.com/mossy-p/consult-signaling/internal/models"
)

func main() {
	v := viper.New()
	v.SetDefault("SIGNAL_URL", "ws://localhost:8080/ws/signal")
	v.SetDefault("ROLE", string(models.RolePatient))
	v.SetDefault("AUDIO_ONLY", false)
	v.SetDefault("LOG_VERBOSITY", 0)
	v.SetDefault("ENVIRONMENT", "development")
	v.AutomaticEnv()

	log := logging.New(v.GetString("ENVIRONMENT"), v.GetInt("LOG_VERBOSITY")).WithName("consult-client")

	callID, participantID := v.GetString("CALL_ID"), v.GetString("PARTICIPANT_ID")
	if callID == "" || participantID == "" {
		log.Error(errors.New("CALL_ID and PARTICIPANT_ID are required"), "invalid configuration")
		os.Exit(1)
	}
	role, err := models.ParseRole(strings.ToLower(v.GetString("ROLE")))
	if err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.NewAPI()
	if err != nil {
		log.Error(err, "failed to set up WebRTC")
		os.Exit(1)
	}

	sig, err := client.DialSignal(ctx, v.GetString("SIGNAL_URL"), v.GetString("TOKEN"), log)
	if err != nil {
		log.Error(err, "failed to reach signaling relay", "url", v.GetString("SIGNAL_URL"))
		os.Exit(1)
	}

	constraints := client.Constraints{Audio: true, Video: !v.GetBool("AUDIO_ONLY")}
	call := client.NewCall(client.Config{
		CallID:        callID,
		ParticipantID: participantID,
		Role:          role,
		UserName:      v.GetString("USER_NAME"),
		Signal:        sig,
		Media:         client.StaticSource{StreamID: participantID},
		Constraints:   constraints,
		NewPeer:       client.PionPeerFactory(api, nil),
		Logger:        log,
		OnStateChange: func(s client.State) { log.Info("call state", "state", s.String()) },
		OnChat: func(m client.ChatMessage) {
			log.Info("chat", "from", m.UserName, "message", m.Message)
		},
		OnError: func(err error) {
			if errors.Is(err, client.ErrDeviceNotFound) || errors.Is(err, client.ErrPermissionDenied) {
				log.Info("media unavailable, leaving")
				stop()
			}
		},
	})

	err = call.Run(ctx)
	call.Leave()
	if err != nil {
		log.Error(err, "call failed", "reason", string(call.EndReason()))
		os.Exit(1)
	}
	log.Info("call finished", "reason", string(call.EndReason()), "duration", call.Duration().String())
}
