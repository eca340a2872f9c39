// Copyright 2022 The driverloc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/driverloc/apis"
	"github.com/alwitt/driverloc/common"
	"github.com/alwitt/driverloc/directory"
	"github.com/alwitt/driverloc/tracking"
	"github.com/alwitt/driverloc/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// TrackerArgs startup selection of entities to track
type TrackerArgs struct {
	// Watch entity keys to track from the start
	Watch []string `validate:"dive,required"`
	// AllDrivers also track every driver listed by the entity directory
	AllDrivers bool
}

// DefineTransport build the location update transport selected by the config
func DefineTransport(config common.TransportConfig) (transport.Transport, error) {
	switch config.Kind {
	case "stomp":
		return transport.GetSTOMPTransport(transport.STOMPTransportParams{
			Endpoint:             config.STOMP.Endpoint,
			Host:                 config.STOMP.Host,
			Login:                config.STOMP.Login,
			Passcode:             config.STOMP.Passcode,
			BearerToken:          config.STOMP.BearerToken,
			HeartBeat:            time.Millisecond * time.Duration(config.STOMP.HeartbeatInterval),
			HeartBeatGrace:       time.Millisecond * time.Duration(config.STOMP.HeartbeatGrace),
			HandshakeTimeout:     time.Second * time.Duration(config.STOMP.HandshakeTimeout),
			ReconnectInitialWait: time.Millisecond * time.Duration(config.STOMP.Reconnect.InitialWait),
			ReconnectMaxWait:     time.Millisecond * time.Duration(config.STOMP.Reconnect.MaxWait),
		})
	case "nats":
		return transport.GetNATSTransport(transport.NATSTransportParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
			ReconnectWait:       time.Second * time.Duration(config.NATS.ReconnectWait),
			HeartBeat:           time.Millisecond * time.Duration(config.NATS.HeartbeatInterval),
			MaxPingsOutstanding: config.NATS.MaxPingsOutstanding,
		})
	default:
		return nil, fmt.Errorf("unsupported transport '%s'", config.Kind)
	}
}

// collectEntityKeys merge the explicit watch list with the directory listing
func collectEntityKeys(
	ctxt context.Context, args TrackerArgs, dir directory.EntityDirectory,
) ([]string, error) {
	seen := map[string]bool{}
	result := []string{}
	add := func(keys []string) {
		for _, key := range keys {
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			result = append(result, key)
		}
	}
	add(args.Watch)
	if args.AllDrivers {
		keys, err := dir.EntityKeys(ctxt)
		if err != nil {
			return nil, err
		}
		add(keys)
	}
	return result, nil
}

// RunTracker run the location tracker along with its control API server
func RunTracker(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	args TrackerArgs,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "tracker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	link, err := DefineTransport(config.Transport)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define %s transport", config.Transport.Kind)
		return err
	}

	// The manager outlives the runtime context so it can be closed through its event loop
	managerCtxt, managerCancel := context.WithCancel(context.Background())
	defer managerCancel()
	manager, err := tracking.GetLocationSubscriptionManager(
		managerCtxt,
		tracking.ManagerParams{
			DestinationPrefix: config.Tracking.DestinationPrefix,
			TaskBuffer:        config.Tracking.TaskBuffer,
		},
		link,
		instance,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription manager")
		return err
	}
	requestTimeout := time.Millisecond * time.Duration(config.Tracking.RequestTimeout)
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := manager.Close(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during manager shutdown")
		}
	}()

	latest := tracking.NewLatestLocations()
	recorder := tracking.UpdateHandlerFunc(func(update tracking.LocationUpdate) {
		latest.Record(update)
		log.WithFields(logTags).Debugf(
			"%s at (%f, %f) @ %s",
			update.EntityKey, update.Latitude, update.Longitude, update.Timestamp,
		)
	})

	// -------------------------------------------------------------------
	// Register the startup entities

	{
		dir, err := directory.GetEntityDirectoryClient(directory.ClientParams{
			BaseURL:     config.Directory.BaseURL,
			DriversPath: config.Directory.DriversPath,
			BearerToken: config.Directory.BearerToken,
			Timeout:     time.Second * time.Duration(config.Directory.RequestTimeout),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define directory client")
			return err
		}
		entityKeys, err := collectEntityKeys(runTimeContext, args, dir)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to list drivers")
			return err
		}
		for _, entityKey := range entityKeys {
			ctxt, cancel := context.WithTimeout(runTimeContext, requestTimeout)
			err := manager.RegisterCallback(ctxt, entityKey, recorder)
			cancel()
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to track %s", entityKey)
				return err
			}
		}
		log.WithFields(logTags).Infof("Tracking %d entities", len(entityKeys))
	}

	// -------------------------------------------------------------------
	// Periodic status report

	statusReport, err := common.GetPeriodicReporter(runTimeContext, "status-report", wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status report")
		return err
	}
	if err := statusReport.Start(
		time.Second*time.Duration(config.Tracking.StatusReportInterval),
		func(context.Context) error {
			log.WithFields(logTags).Infof(
				"Transport %s, %d active subscriptions, %d registered entities",
				manager.ConnectionState(),
				manager.ActiveSubscriptionCount(),
				manager.RegisteredCount(),
			)
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start status report")
		return err
	}
	defer func() {
		_ = statusReport.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestTrackingHandler(
		manager, latest, requestTimeout, &config.API.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Per entity routes
	entityRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/tracking/entity/{entityKey}", map[string]http.HandlerFunc{
			"put":    httpHandler.WatchEntityHandler(),
			"delete": httpHandler.UnwatchEntityHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(entityRouter, "/latest", map[string]http.HandlerFunc{
		"get": httpHandler.LatestLocationHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/tracking/status", map[string]http.HandlerFunc{
		"get": httpHandler.StatusHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
