// Command agent is a reference monitored client. It attaches to a session over WebSocket,
// forwards the signals read from stdin and streams evidence frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/evidence"
	"github.com/trezcool/masomo-proctor/core/proctor"
	logsvc "github.com/trezcool/masomo-proctor/services/logger"
	"github.com/trezcool/masomo-proctor/services/wschannel"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "API base URL")
	sessionID := flag.String("session", "", "session id")
	token := flag.String("token", os.Getenv("PROCTOR_TOKEN"), "bearer token of the monitored subject")
	capture := flag.String("capture", "", "file re-read on every capture; synthetic frames when empty")
	noEvidence := flag.Bool("no-evidence", false, "do not send evidence frames")
	noCamera := flag.Bool("no-camera", false, "report the camera as unavailable")
	flag.Parse()

	if *sessionID == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "AGENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := wschannel.Dial(dialCtx, sessionURL(*server, *sessionID, *token), nil, wschannel.Options{})
	cancel()
	if err != nil {
		logger.Fatal(fmt.Sprintf("connecting to session %s: %v", *sessionID, err), err)
	}
	defer conn.Close("agent-exit")

	var capturer evidence.Capturer
	switch {
	case *noEvidence:
	case *capture != "":
		capturer = fileCapturer{path: *capture}
	default:
		capturer = syntheticCapturer(time.Now)
	}

	a := newAgent(conn, agentOptions{
		Capabilities: channel.Capabilities{
			Camera:      !*noCamera,
			Microphone:  true,
			ScreenShare: true,
			Fullscreen:  true,
		},
		Signals:       newLineSource(os.Stdin),
		Capturer:      capturer,
		QueueCapacity: conf.Proctor.EvidenceQueueCapacity,
		FlushGrace:    conf.Proctor.EvidenceFlushGrace,
		Logger:        logger,
		Out:           os.Stdout,
	})
	reason, err := a.run(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("session %s: %v", *sessionID, err), err)
		os.Exit(1)
	}
	if r := proctor.Reason(reason); r != proctor.ReasonSubmitted && r != proctor.ReasonDeadline {
		os.Exit(3)
	}
}

func sessionURL(server, sessionID, token string) string {
	return strings.TrimSuffix(server, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws?token=" + url.QueryEscape(token)
}
