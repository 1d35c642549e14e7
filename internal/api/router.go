package api

import (
	"datagen-pipeline/internal/api/handler"
	"datagen-pipeline/pkg/router"
)

func RegisterRoutes(r *router.Router) {
	r.POST("/api/v1/pipelines", handler.CreatePipeline)
	r.GET("/api/v1/pipelines", handler.ListPipelines)
	// More specific routes: the router prefers the matching pattern
	// with the most segments, whatever the registration order
	r.GET("/api/v1/pipelines/*/errors", handler.GetPipelineErrors)
	r.GET("/api/v1/pipelines/*/results", handler.GetPipelineResults)
	r.GET("/api/v1/pipelines/*/download/*", handler.DownloadPipelineFile)
	r.GET("/api/v1/pipelines/*/progress", handler.GetPipelineProgress)
	r.POST("/api/v1/pipelines/*/cancel", handler.CancelPipeline)
	r.POST("/api/v1/pipelines/*/resume", handler.ResumePipeline)
	r.DELETE("/api/v1/pipelines/*", handler.DeletePipeline)
	// Generic pipeline route, used when no longer pattern matches
	r.GET("/api/v1/pipelines/*", handler.GetPipeline)
}
