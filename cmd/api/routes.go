package main

import (
	"github.com/gin-gonic/gin"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/middleware"
)

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.log))

	router.GET("/health", api.healthCheck)

	v1 := router.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", api.createJob)
		v1.GET("/jobs", api.listJobs)
		v1.GET("/jobs/:id", api.getJob)
		v1.GET("/jobs/:id/progress", api.getJobProgress)
		v1.POST("/jobs/:id/cancel", api.cancelJob)
		v1.DELETE("/jobs/:id", api.deleteJob)
		v1.DELETE("/jobs", api.deleteAllJobs)
		v1.POST("/jobs/cleanup", api.cleanupCompletedJobs)

		// Publish records
		v1.GET("/jobs/:id/playlist", api.getPlaylist)

		// Tokenized playback
		v1.GET("/playback/:id/master.m3u8", api.playbackRedirect)
	}

	return router
}
