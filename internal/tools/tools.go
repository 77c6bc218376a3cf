// Package tools exposes the bot's querying capabilities as a small HTTP
// surface for programmatic clients: natural-language querying, direct SQL
// execution and schema documentation lookup. Results come back as JSON with
// a text preview; Excel exports stay with the Slack transport.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/schema"
	"github.com/dauletk/insightbot/internal/service"
)

// previewRows caps the text preview. Full datasets are the export's job.
const previewRows = 200

type sqlGenerator interface {
	Generate(ctx context.Context, question string, conv *service.GenerationContext) (string, error)
}

type sqlExecutor interface {
	Execute(ctx context.Context, sql string) (*domain.Table, error)
}

// Server registers the tool endpoints on an existing router.
type Server struct {
	generator sqlGenerator
	executor  sqlExecutor
	docs      *schema.Docs
}

func NewServer(generator sqlGenerator, executor sqlExecutor, docs *schema.Docs) *Server {
	return &Server{generator: generator, executor: executor, docs: docs}
}

func (s *Server) Register(r *gin.Engine) {
	g := r.Group("/tools")
	g.POST("/query_database", s.handleQueryDatabase)
	g.POST("/execute_sql", s.handleExecuteSQL)
	g.GET("/schema_info", s.handleSchemaInfo)
}

type questionRequest struct {
	Question string `json:"question" binding:"required"`
}

// handleQueryDatabase answers a natural-language question in one shot:
// generate SQL, execute it, return the statement with a preview. Unlike the
// conversational path there is no session and no retry loop.
func (s *Server) handleQueryDatabase(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sql, err := s.generator.Generate(c.Request.Context(), req.Question, nil)
	if err != nil {
		slog.Error("tool generation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	s.respondWithResult(c, sql)
}

type sqlRequest struct {
	SQL string `json:"sql" binding:"required"`
}

// handleExecuteSQL runs a caller-supplied statement. The executor's read-only
// guard applies the same as everywhere else.
func (s *Server) handleExecuteSQL(c *gin.Context) {
	var req sqlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respondWithResult(c, req.SQL)
}

func (s *Server) respondWithResult(c *gin.Context, sql string) {
	table, err := s.executor.Execute(c.Request.Context(), sql)
	switch {
	case errors.Is(err, domain.ErrNotReadOnly) || errors.Is(err, domain.ErrEmptySQL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "sql": sql})
		return
	case err != nil:
		slog.Error("tool execution failed", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "sql": sql})
		return
	}

	if table.IsEmpty() {
		c.JSON(http.StatusOK, gin.H{
			"sql":       sql,
			"row_count": 0,
			"message":   "query returned no rows",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sql":          sql,
		"row_count":    table.RowCount(),
		"column_count": len(table.Columns),
		"preview":      table.Preview(previewRows),
	})
}

// handleSchemaInfo lists documented tables, or one table's columns when the
// table query parameter names it.
func (s *Server) handleSchemaInfo(c *gin.Context) {
	name := c.Query("table")
	if name == "" {
		tables := make([]gin.H, 0, len(s.docs.Tables))
		for _, n := range s.docs.TableNames() {
			tables = append(tables, gin.H{"name": n, "description": s.docs.Tables[n].Description})
		}
		c.JSON(http.StatusOK, gin.H{"tables": tables})
		return
	}

	table, ok := s.docs.Tables[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "table not documented", "table": name})
		return
	}

	columns := make([]gin.H, 0, len(table.Columns))
	for _, col := range table.Columns {
		entry := gin.H{"name": col.Name, "type": col.Type, "description": col.Description}
		if len(col.Synonyms) > 0 {
			entry["synonyms_ru"] = col.Synonyms
		}
		columns = append(columns, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"table":       table.Name,
		"description": table.Description,
		"columns":     columns,
	})
}
