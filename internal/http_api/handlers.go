package http_api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/depotlabs/buildboard/internal/buildlogs"
	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/internal/push"
)

const (
	identityKey = "identity"

	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// PushPreconfigResponse represents the outcome of a region push
type PushPreconfigResponse struct {
	Status           string             `json:"status"`
	Message          string             `json:"message"`
	Results          []push.Result      `json:"results"`
	PushedPreconfigs []models.Preconfig `json:"pushed_preconfigs"`
}

// CreateBuildRequest represents the JSON body for reporting a new build
type CreateBuildRequest struct {
	Hostname     string `json:"hostname" binding:"required"`
	RackID       string `json:"rack_id" binding:"required"`
	DBID         string `json:"dbid" binding:"required"`
	SerialNumber string `json:"serial_number" binding:"required"`
	MachineType  string `json:"machine_type"`
	Bundle       string `json:"bundle"`
	IPAddress    string `json:"ip_address"`
	MACAddress   string `json:"mac_address"`
	BuildServer  string `json:"build_server" binding:"required"`
	PercentBuilt int    `json:"percent_built"`
	BuildStatus  string `json:"build_status"`
}

// identityMiddleware resolves the principal forwarded by the auth proxy and
// refuses requests from identities the permissions document does not know.
func (s *HTTPServer) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.GetHeader("X-Auth-Email")
		if email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		ident := models.Identity{
			Email: strings.ToLower(email),
			Name:  c.GetHeader("X-Auth-Name"),
		}

		isAdmin, regions := s.perms.Lookup(ident.Email)
		if !isAdmin && len(regions) == 0 {
			s.logger.Warn("Access denied for unknown identity", "email", ident.Email, "request_id", requestID(c))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no regions granted to this identity"})
			return
		}

		c.Set(identityKey, ident)
		c.Next()
	}
}

func currentIdentity(c *gin.Context) models.Identity {
	ident, _ := c.MustGet(identityKey).(models.Identity)
	return ident
}

// requestID returns the correlation id the middleware assigned.
func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// health is a handler for the /health endpoint.
func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getAllRegionLocks is a handler for the /preconfig/locks endpoint.
// Returns one entry per actively held region lock; absent regions are
// unlocked. Degrades to an empty map on storage trouble since this is an
// advisory UI read.
func (s *HTTPServer) getAllRegionLocks(c *gin.Context) {
	statuses, err := s.locks.StatusAll(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to get all lock statuses", "error", err)
		c.JSON(http.StatusOK, models.RegionLockResponse{Locks: map[string]models.RegionLockInfo{}})
		return
	}
	c.JSON(http.StatusOK, models.RegionLockResponse{Locks: statuses})
}

// getRegionLock is a handler for the /preconfig/:region/lock endpoint.
func (s *HTTPServer) getRegionLock(c *gin.Context) {
	region := strings.ToLower(c.Param("region"))
	if !s.perms.ValidRegion(region) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid region: %s. Must be one of: %s", region, strings.Join(s.perms.ValidRegions(), ", ")),
		})
		return
	}

	status, err := s.locks.Status(c.Request.Context(), region)
	if err != nil {
		s.logger.Error("Failed to get lock status", "error", err, "region", region)
		c.JSON(http.StatusOK, models.RegionLockInfo{Region: region, IsLocked: false})
		return
	}
	c.JSON(http.StatusOK, status)
}

// releaseRegionLock is a handler for the /preconfig/:region/lock/release
// endpoint. Only the holder may release; anyone else gets released=false.
func (s *HTTPServer) releaseRegionLock(c *gin.Context) {
	region := strings.ToLower(c.Param("region"))
	ident := currentIdentity(c)

	if !s.perms.ValidRegion(region) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid region: %s. Must be one of: %s", region, strings.Join(s.perms.ValidRegions(), ", ")),
		})
		return
	}

	released, err := s.locks.Release(c.Request.Context(), region, ident)
	if err != nil {
		s.logger.Error("Failed to release lock", "error", err, "region", region, "user", ident.Email)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// pushPreconfig is a handler for the /preconfig/:region/push endpoint.
// Acquires the region push lock, runs the push, and always releases the
// lock afterwards; the lease expiry is the backstop if this process dies in
// between.
func (s *HTTPServer) pushPreconfig(c *gin.Context) {
	region := strings.ToLower(c.Param("region"))
	ident := currentIdentity(c)
	ctx := c.Request.Context()

	if !s.perms.ValidRegion(region) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid region: %s. Must be one of: %s", region, strings.Join(s.perms.ValidRegions(), ", ")),
		})
		return
	}
	if !s.perms.CheckRegion(ident.Email, region) {
		s.logger.Warn("Region access denied", "email", ident.Email, "region", region)
		c.JSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("Access denied: You do not have permission to push to region %s", region),
		})
		return
	}
	depot, ok := s.perms.DepotForRegion(region)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No depot configured for region %s", region)})
		return
	}

	s.logger.Info("Push preconfig requested", "region", region, "depot", depot, "user", ident.Email, "request_id", requestID(c))

	granted, conflict, err := s.locks.Acquire(ctx, region, ident, 0)
	if err != nil {
		// Fail closed: a push without mutual exclusion is worse than a retry.
		s.logger.Error("Lock acquisition failed", "error", err, "region", region)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock service unavailable"})
		return
	}
	if !granted {
		s.logger.Info("Push blocked by existing lock", "region", region, "user", ident.Email, "holder", conflict.LockedByEmail)
		c.JSON(http.StatusConflict, models.LockConflictDetail{
			Error:    "region_locked",
			Message:  fmt.Sprintf("Region %s is currently locked by another user", strings.ToUpper(region)),
			LockInfo: *conflict,
		})
		return
	}
	defer func() {
		released, err := s.locks.Release(ctx, region, ident)
		if err != nil {
			s.logger.Error("Failed to release lock after push", "error", err, "region", region)
		} else if !released {
			// The lease expired mid-push and someone took over.
			s.logger.Warn("Lock no longer ours at release time", "region", region, "user", ident.Email)
		}
	}()

	preconfigs, err := s.repo.GetPreconfigsByDepot(ctx, depot)
	if err != nil {
		s.logger.Error("Failed to load preconfigs", "error", err, "depot", depot)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preconfigs"})
		return
	}

	results, err := s.pusher.Push(ctx, region, preconfigs)
	if err != nil {
		s.logger.Error("Push failed", "error", err, "region", region)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push failed"})
		return
	}

	if len(preconfigs) > 0 {
		dbids := make([]string, len(preconfigs))
		for i := range preconfigs {
			dbids[i] = preconfigs[i].DBID
		}
		if err := s.repo.MarkPreconfigsPushed(ctx, dbids, time.Now().UTC()); err != nil {
			s.logger.Error("Failed to mark preconfigs pushed", "error", err, "region", region)
		}
	}

	message := fmt.Sprintf("Pushed %d preconfig(s) to %s", len(preconfigs), strings.ToUpper(region))
	if len(preconfigs) == 0 {
		message = fmt.Sprintf("No preconfigs to push for %s", strings.ToUpper(region))
	}
	c.JSON(http.StatusOK, PushPreconfigResponse{
		Status:           "success",
		Message:          message,
		Results:          results,
		PushedPreconfigs: preconfigs,
	})
}

// getPreconfigsByDepot is a handler for the /preconfig/depot/:depot endpoint.
func (s *HTTPServer) getPreconfigsByDepot(c *gin.Context) {
	depot, err := strconv.Atoi(c.Param("depot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depot must be an integer"})
		return
	}
	ident := currentIdentity(c)
	if !s.perms.CheckDepot(ident.Email, depot) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("Access denied: You do not have permission to access depot %d", depot),
		})
		return
	}

	preconfigs, err := s.repo.GetPreconfigsByDepot(c.Request.Context(), depot)
	if err != nil {
		s.logger.Error("Failed to get preconfigs", "error", err, "depot", depot)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get preconfigs"})
		return
	}
	c.JSON(http.StatusOK, preconfigs)
}

// listBuildHistory is a handler for the /build/history endpoint.
func (s *HTTPServer) listBuildHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	builds, err := s.repo.ListBuildHistory(c.Request.Context(), c.Query("build_server"), limit)
	if err != nil {
		s.logger.Error("Failed to list build history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list build history"})
		return
	}
	c.JSON(http.StatusOK, builds)
}

// getBuildHistory is a handler for the /build/history/:uuid endpoint.
func (s *HTTPServer) getBuildHistory(c *gin.Context) {
	build, err := s.repo.GetBuildHistoryByUUID(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		if strings.Contains(err.Error(), "record not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		} else {
			s.logger.Error("Failed to get build", "error", err, "uuid", c.Param("uuid"))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get build"})
		}
		return
	}
	c.JSON(http.StatusOK, build)
}

// createBuildHistory is a handler for reporting a new build record.
func (s *HTTPServer) createBuildHistory(c *gin.Context) {
	var req CreateBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	build := &models.BuildHistory{
		Hostname:     req.Hostname,
		RackID:       req.RackID,
		DBID:         req.DBID,
		SerialNumber: req.SerialNumber,
		MachineType:  req.MachineType,
		Bundle:       req.Bundle,
		IPAddress:    req.IPAddress,
		MACAddress:   req.MACAddress,
		BuildServer:  req.BuildServer,
		PercentBuilt: req.PercentBuilt,
		BuildStatus:  req.BuildStatus,
	}
	if build.MachineType == "" {
		build.MachineType = "Server"
	}
	if build.BuildStatus == "" {
		build.BuildStatus = models.BuildStatusInstalling
	}
	build.AssignedStatus = models.AssignedStatusNotAssigned

	if err := s.repo.CreateBuildHistory(c.Request.Context(), build); err != nil {
		s.logger.Error("Failed to create build record", "error", err, "hostname", req.Hostname)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create build record"})
		return
	}
	c.JSON(http.StatusCreated, build)
}

// assignBuild is a handler for the /build/assign/:uuid endpoint.
func (s *HTTPServer) assignBuild(c *gin.Context) {
	ident := currentIdentity(c)
	buildUUID := c.Param("uuid")

	err := s.repo.AssignBuildHistory(c.Request.Context(), buildUUID, ident.Email, time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "record not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		} else {
			s.logger.Error("Failed to assign build", "error", err, "uuid", buildUUID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assign build"})
		}
		return
	}

	s.logger.Info("Build assigned", "uuid", buildUUID, "user", ident.Email)
	c.JSON(http.StatusOK, gin.H{"assigned": true, "assigned_by": ident.Email})
}

// getBuildStatus is a handler for the /build/status endpoint. Reports
// builds still in flight; finished and failed builds live in history.
func (s *HTTPServer) getBuildStatus(c *gin.Context) {
	builds, err := s.repo.ListActiveBuilds(c.Request.Context(), c.Query("build_server"))
	if err != nil {
		s.logger.Error("Failed to list active builds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list active builds"})
		return
	}
	c.JSON(http.StatusOK, builds)
}

// listBuildHistoryToday is a handler for the /build/history/today endpoint.
// Returns builds started since UTC midnight.
func (s *HTTPServer) listBuildHistoryToday(c *gin.Context) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	builds, err := s.repo.ListBuildHistorySince(c.Request.Context(), c.Query("build_server"), midnight)
	if err != nil {
		s.logger.Error("Failed to list today's builds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list today's builds"})
		return
	}
	c.JSON(http.StatusOK, builds)
}

// getBuildLog is a handler for the /build/logs/:hostname endpoint. Serves
// the installer log as plain text and names the build server it came from
// in the X-Build-Server response header.
func (s *HTTPServer) getBuildLog(c *gin.Context) {
	hostname := c.Param("hostname")
	if !buildlogs.ValidHostname(hostname) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid hostname format. Only alphanumeric, dots, hyphens, and underscores allowed.",
		})
		return
	}
	if s.buildLogs == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build logs directory not configured"})
		return
	}
	ident := currentIdentity(c)
	s.logger.Info("Build log requested", "hostname", hostname, "user", ident.Email, "request_id", requestID(c))

	logFile, err := s.buildLogs.Fetch(c.Request.Context(), hostname)
	if err != nil {
		switch {
		case errors.Is(err, buildlogs.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Build log not found for hostname: %s", hostname)})
		case errors.Is(err, buildlogs.ErrTooLarge):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Build log file too large to display"})
		default:
			s.logger.Error("Failed to fetch build log", "error", err, "hostname", hostname)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch build log"})
		}
		return
	}

	c.Header("X-Build-Server", logFile.BuildServer)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", logFile.Content)
}

// listRepaired is a handler for the /build/repaired endpoint.
func (s *HTTPServer) listRepaired(c *gin.Context) {
	repaired, err := s.repo.ListRepaired(c.Request.Context(), c.Query("build_server"))
	if err != nil {
		s.logger.Error("Failed to list repaired machines", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list repaired machines"})
		return
	}
	c.JSON(http.StatusOK, repaired)
}

// listPushCreds is a handler for the /build/pushcreds endpoint.
func (s *HTTPServer) listPushCreds(c *gin.Context) {
	creds, err := s.repo.ListPushCreds(c.Request.Context(), c.Query("hostname"))
	if err != nil {
		s.logger.Error("Failed to list push creds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list push creds"})
		return
	}
	c.JSON(http.StatusOK, creds)
}
