package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/api/v1/health", s.health)
	s.router.GET("/metrics", metricsHandler())

	api := s.router.Group("/api/v1", s.identityMiddleware())
	{
		api.GET("/preconfig/locks", s.getAllRegionLocks)
		api.GET("/preconfig/:region/lock", s.getRegionLock)
		api.POST("/preconfig/:region/lock/release", s.releaseRegionLock)
		api.POST("/preconfig/:region/push", s.pushPreconfig)
		api.GET("/preconfig/depot/:depot", s.getPreconfigsByDepot)

		api.GET("/build/status", s.getBuildStatus)
		api.GET("/build/history", s.listBuildHistory)
		api.GET("/build/history/today", s.listBuildHistoryToday)
		api.GET("/build/history/:uuid", s.getBuildHistory)
		api.POST("/build/history", s.createBuildHistory)
		api.POST("/build/assign/:uuid", s.assignBuild)
		api.GET("/build/logs/:hostname", s.getBuildLog)

		api.GET("/build/repaired", s.listRepaired)
		api.GET("/build/pushcreds", s.listPushCreds)
	}
}
