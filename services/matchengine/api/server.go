// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api is the read-only HTTP surface over the last completed run.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/oncomatch/pkg/logging"
	"github.com/AleutianAI/oncomatch/services/matchengine/engine"
)

// MatchSource exposes the output of the last completed run.
type MatchSource interface {
	Matches() engine.Matches
	RunID() string
}

// matchDTO is the wire shape of one TrialMatch.
type matchDTO struct {
	ProtocolNo    string `json:"protocol_no"`
	SampleID      string `json:"sample_id"`
	MatchLevel    string `json:"match_level"`
	Code          string `json:"code"`
	InternalID    string `json:"internal_id"`
	ClinicalID    string `json:"clinical_id"`
	GenomicID     string `json:"genomic_id,omitempty"`
	Width         int    `json:"match_width"`
	CriterionHash string `json:"criterion_hash"`
	QueryHash     string `json:"query_hash"`
	RunID         string `json:"run_id"`
}

func toDTO(m *engine.TrialMatch) matchDTO {
	return matchDTO{
		ProtocolNo:    m.ProtocolNo,
		SampleID:      m.SampleID,
		MatchLevel:    m.Clause.Level,
		Code:          m.Clause.Code,
		InternalID:    m.Clause.InternalID,
		ClinicalID:    m.Reason.ClinicalID,
		GenomicID:     m.Reason.GenomicID,
		Width:         m.Reason.Width,
		CriterionHash: m.CriterionHash,
		QueryHash:     m.Reason.NodeHash,
		RunID:         m.RunID,
	}
}

func toDTOMap(matches engine.Matches) map[string]map[string][]matchDTO {
	out := make(map[string]map[string][]matchDTO, len(matches))
	for protocolNo, samples := range matches {
		out[protocolNo] = make(map[string][]matchDTO, len(samples))
		for sampleID, list := range samples {
			dtos := make([]matchDTO, 0, len(list))
			for _, m := range list {
				dtos = append(dtos, toDTO(m))
			}
			out[protocolNo][sampleID] = dtos
		}
	}
	return out
}

// NewRouter builds the gin router.
func NewRouter(src MatchSource, logger *logging.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if logger != nil {
		r.Use(requestLogger(logger))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/matches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"run_id":  src.RunID(),
			"matches": toDTOMap(src.Matches()),
		})
	})

	r.GET("/matches/:protocol", func(c *gin.Context) {
		protocolNo := c.Param("protocol")
		samples, ok := src.Matches()[protocolNo]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown protocol", "protocol_no": protocolNo})
			return
		}
		out := make(map[string][]matchDTO, len(samples))
		for sampleID, list := range samples {
			dtos := make([]matchDTO, 0, len(list))
			for _, m := range list {
				dtos = append(dtos, toDTO(m))
			}
			out[sampleID] = dtos
		}
		c.JSON(http.StatusOK, gin.H{
			"run_id":      src.RunID(),
			"protocol_no": protocolNo,
			"matches":     out,
		})
	})

	return r
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
