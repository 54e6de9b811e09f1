package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	echoapi "github.com/trezcool/masomo-proctor/apps/api/echo"
	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
	emailsvc "github.com/trezcool/masomo-proctor/services/email"
	logsvc "github.com/trezcool/masomo-proctor/services/logger"
	"github.com/trezcool/masomo-proctor/services/notify"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	defer logger.Close()

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up storage
	store, err := setUpStorage(conf, dbLogger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up %s storage: %v", conf.Storage.Driver, err), err)
	}
	defer store.close()

	// set up services
	var mailSvc core.EmailService
	if conf.Debug || conf.SendgridApiKey == "" {
		mailSvc = emailsvc.NewConsoleService(conf, log.New(os.Stdout, "MAIL : ", log.LstdFlags))
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	var publisher proctor.DecisionPublisher = notify.NewConsolePublisher(logger)
	if conf.MQTT.Broker != "" {
		mqttPub := notify.NewMQTTPublisher(conf.MQTT, logger)
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		err = mqttPub.Connect(ctx)
		cancel()
		if err != nil {
			// the client keeps retrying in the background
			logger.Warn(fmt.Sprintf("connecting to MQTT broker %s: %v", conf.MQTT.Broker, err), err)
		}
		defer mqttPub.Close()
		publisher = mqttPub
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate, translator := proctor.NewValidator()

	coord, err := proctor.NewCoordinator(proctor.ConfigFrom(conf), proctor.Deps{
		Logger:    logger,
		Validate:  validate,
		Acceptor:  store.acceptor,
		Evidence:  store.evidence,
		Archive:   store.archive,
		Publisher: publisher,
		Mailer:    mailSvc,
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up coordinator: %v", err), err)
	}

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("storage").Set(conf.Storage.Driver)
	expvar.Publish("sessions", expvar.Func(func() interface{} {
		stats, err := coord.Stats(context.Background(), proctor.Filter{})
		if err != nil {
			return err.Error()
		}
		return stats
	}))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Sessions:   coord,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// live sessions are archived first so their channels unblock the handlers
		if err = coord.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop coordinator gracefully: %v", err), err)
		}

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
