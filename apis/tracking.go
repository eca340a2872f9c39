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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/driverloc/common"
	"github.com/alwitt/driverloc/tracking"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestTrackingHandler REST handler for the location tracking control API
type APIRestTrackingHandler struct {
	goutils.RestAPIHandler
	manager        tracking.LocationSubscriptionManager
	latest         *tracking.LatestLocations
	requestTimeout time.Duration
	accessLog      requestLogWriter
}

// GetAPIRestTrackingHandler define APIRestTrackingHandler
func GetAPIRestTrackingHandler(
	manager tracking.LocationSubscriptionManager,
	latest *tracking.LatestLocations,
	requestTimeout time.Duration,
	httpConfig *common.HTTPConfig,
) (APIRestTrackingHandler, error) {
	if manager == nil || latest == nil {
		return APIRestTrackingHandler{}, fmt.Errorf("tracking API requires a manager and a location store")
	}
	if requestTimeout <= 0 {
		return APIRestTrackingHandler{}, fmt.Errorf("request timeout must be positive")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "tracking",
	}
	return APIRestTrackingHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		manager:        manager,
		latest:         latest,
		requestTimeout: requestTimeout,
		accessLog:      requestLogWriter{logTags: logTags},
	}, nil
}

// Write logging support
func (h APIRestTrackingHandler) Write(p []byte) (n int, err error) {
	return h.accessLog.Write(p)
}

// readEntityKey fetch the entity key path parameter
func readEntityKey(r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	entityKey, ok := vars["entityKey"]
	if !ok || entityKey == "" {
		return "", false
	}
	return entityKey, true
}

// =======================================================================
// Status

// APIRestRespTrackingStatus response for the tracking status query
type APIRestRespTrackingStatus struct {
	goutils.RestAPIBaseResponse
	// State connection state as seen by the manager
	State string `json:"state" validate:"required"`
	// Connected whether the transport session is up
	Connected bool `json:"connected"`
	// ActiveSubscriptions number of live topic subscriptions
	ActiveSubscriptions int `json:"active_subscriptions"`
	// RegisteredEntities number of entities with a registered handler
	RegisteredEntities int `json:"registered_entities"`
}

// -----------------------------------------------------------------------

// Status godoc
// @Summary Query tracking status
// @Description Report the transport connection state and the subscription counts
// @tags Tracking
// @Produce json
// @Param Driverloc-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespTrackingStatus "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Driverloc-Request-ID "Request ID to match against logs"
// @Router /v1/tracking/status [get]
func (h APIRestTrackingHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespTrackingStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		State:               h.manager.ConnectionState().String(),
		Connected:           h.manager.IsConnected(),
		ActiveSubscriptions: h.manager.ActiveSubscriptionCount(),
		RegisteredEntities:  h.manager.RegisteredCount(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h APIRestTrackingHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	}
}

// =======================================================================
// Entity watch

// -----------------------------------------------------------------------

// WatchEntity godoc
// @Summary Start tracking an entity
// @Description Register the latest location recorder for an entity. Opens the transport
// connection if needed.
// @tags Tracking
// @Produce json
// @Param Driverloc-Request-ID header string false "User provided request ID to match against logs"
// @Param entityKey path string true "Entity key, typically the driver email"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Driverloc-Request-ID "Request ID to match against logs"
// @Router /v1/tracking/entity/{entityKey} [put]
func (h APIRestTrackingHandler) WatchEntity(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	entityKey, ok := readEntityKey(r)
	if !ok {
		msg := "No entity key provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	ctxt, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	if err := h.manager.RegisterCallback(ctxt, entityKey, h.latest.Recorder()); err != nil {
		msg := fmt.Sprintf("Failed to watch %s", entityKey)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// WatchEntityHandler Wrapper around WatchEntity
func (h APIRestTrackingHandler) WatchEntityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WatchEntity(w, r)
	}
}

// -----------------------------------------------------------------------

// UnwatchEntity godoc
// @Summary Stop tracking an entity
// @Description Unregister the handler of an entity and drop its latest location. The
// transport connection closes once no entity is tracked.
// @tags Tracking
// @Produce json
// @Param Driverloc-Request-ID header string false "User provided request ID to match against logs"
// @Param entityKey path string true "Entity key, typically the driver email"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Driverloc-Request-ID "Request ID to match against logs"
// @Router /v1/tracking/entity/{entityKey} [delete]
func (h APIRestTrackingHandler) UnwatchEntity(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	entityKey, ok := readEntityKey(r)
	if !ok {
		msg := "No entity key provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	ctxt, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	if err := h.manager.UnregisterCallback(ctxt, entityKey); err != nil {
		msg := fmt.Sprintf("Failed to unwatch %s", entityKey)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	h.latest.Forget(entityKey)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnwatchEntityHandler Wrapper around UnwatchEntity
func (h APIRestTrackingHandler) UnwatchEntityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnwatchEntity(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespLatestLocation response carrying the latest location of an entity
type APIRestRespLatestLocation struct {
	goutils.RestAPIBaseResponse
	// Location last delivered location update
	Location tracking.LocationUpdate `json:"location" validate:"required"`
}

// LatestLocation godoc
// @Summary Get the latest location of an entity
// @Description Return the last location update delivered for an entity
// @tags Tracking
// @Produce json
// @Param Driverloc-Request-ID header string false "User provided request ID to match against logs"
// @Param entityKey path string true "Entity key, typically the driver email"
// @Success 200 {object} APIRestRespLatestLocation "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Driverloc-Request-ID "Request ID to match against logs"
// @Router /v1/tracking/entity/{entityKey}/latest [get]
func (h APIRestTrackingHandler) LatestLocation(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	entityKey, ok := readEntityKey(r)
	if !ok {
		msg := "No entity key provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	update, ok := h.latest.Get(entityKey)
	if !ok {
		msg := fmt.Sprintf("No location received for %s", entityKey)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLatestLocation{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Location: update,
	}
}

// LatestLocationHandler Wrapper around LatestLocation
func (h APIRestTrackingHandler) LatestLocationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.LatestLocation(w, r)
	}
}

// =======================================================================
// Health

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For tracking REST API liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Tracking
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestTrackingHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestTrackingHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For tracking REST API readiness check
// @Description Will return success once the location transport is connected
// @tags Tracking
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestTrackingHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.manager.IsConnected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(),
			http.StatusInternalServerError,
			msg,
			fmt.Sprintf("transport is %s", h.manager.ConnectionState()),
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestTrackingHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
