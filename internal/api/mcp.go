package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vsr/internal/app"
	"github.com/kalambet/vsr/internal/resolver"
)

// StatusReader reports pipeline health.
type StatusReader interface {
	Status(ctx context.Context) (app.Status, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Ratings Lookuper
	Health  StatusReader
	Version string
}

// NewMCPServer creates an MCP server exposing rating lookups and sync health.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"vsr",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vsr answers NHTSA 5-star safety rating lookups by model year, make and model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("lookup_rating",
			mcp.WithDescription("Look up NHTSA safety ratings for a vehicle. The model matches as a prefix, so variants are returned as separate results."),
			mcp.WithNumber("year", mcp.Description("Four-digit model year"), mcp.Required()),
			mcp.WithString("make", mcp.Description("Manufacturer, e.g. Toyota"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name or prefix, e.g. Camry"), mcp.Required()),
		),
		mcpLookupRating(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_health",
			mcp.WithDescription("Report reconciliation coverage, sync log counts and dataset import status."),
		),
		mcpSyncHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"vsr://health",
			"Sync Health",
			mcp.WithResourceDescription("Current pipeline health report as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHealth(deps),
	)

	return s
}

func mcpLookupRating(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		year := req.GetInt("year", 0)
		if year == 0 {
			return mcpError("year is required"), nil
		}
		mk, err := req.RequireString("make")
		if err != nil || strings.TrimSpace(mk) == "" {
			return mcpError("make is required"), nil
		}
		model, err := req.RequireString("model")
		if err != nil || strings.TrimSpace(model) == "" {
			return mcpError("model is required"), nil
		}

		res, err := deps.Ratings.Lookup(ctx, year, mk, model)
		switch {
		case errors.Is(err, resolver.ErrNoRating):
			return mcpText(fmt.Sprintf("No NHTSA rating is available for %d %s %s.", year, mk, model)), nil
		case errors.Is(err, resolver.ErrUnavailable):
			return mcpError("ratings are temporarily unavailable; try again later"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		results := make([]RatingResult, len(res))
		for i, r := range res {
			results[i] = RatingResult{Record: *r.Record, Tier: r.Tier}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Health.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading health: %v", err)), nil
		}
		h := st.Health
		summary := fmt.Sprintf("Status %s, coverage %.1f%%: %d tracked, %d pending, %d success, %d no data, %d failed. %d ratings stored (%d rated).",
			h.Status, h.Coverage, h.Sync.Total, h.Sync.Pending, h.Sync.Success, h.Sync.NoData, h.Sync.Failed,
			h.Ratings.Total, h.Ratings.Rated)
		if st.Import.LastSuccess != nil {
			summary += " Last dataset import " + st.Import.LastSuccess.Format("2006-01-02 15:04 MST") + "."
		}
		if st.Import.LastError != "" {
			summary += " Last import error: " + st.Import.LastError
		}
		return mcpText(summary), nil
	}
}

func mcpResourceHealth(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Health.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read health: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
