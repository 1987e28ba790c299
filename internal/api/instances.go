package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"hedge-core/internal/engine"
)

type createInstanceRequest struct {
	Platform string          `json:"platform" binding:"required"`
	Strategy string          `json:"strategy" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Params   json.RawMessage `json:"params"`
	// Start runs the instance right after creation.
	Start bool `json:"start"`
}

func (s *Server) createInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	account := c.Param("account")
	id, err := s.Engine.CreateInstance(c.Request.Context(), engine.CreateRequest{
		Account:  account,
		Platform: req.Platform,
		Strategy: req.Strategy,
		Symbol:   req.Symbol,
		Params:   req.Params,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Start {
		if err := s.Engine.StartInstance(c.Request.Context(), account, id); err != nil {
			respondError(c, err)
			return
		}
	}
	info, err := s.Engine.GetInstance(account, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.Engine.ListInstances(c.Param("account"))})
}

func (s *Server) getInstance(c *gin.Context) {
	info, err := s.Engine.GetInstance(c.Param("account"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) startInstance(c *gin.Context) {
	s.instanceCommand(c, s.Engine.StartInstance)
}

// stopInstance may return before the instance settles when a tick is in
// flight; the stop then applies at the tick boundary.
func (s *Server) stopInstance(c *gin.Context) {
	s.instanceCommand(c, s.Engine.StopInstance)
}

func (s *Server) forceClose(c *gin.Context) {
	s.instanceCommand(c, s.Engine.ForceStopAndClose)
}

func (s *Server) instanceCommand(c *gin.Context, cmd func(ctx context.Context, account, id string) error) {
	account, id := c.Param("account"), c.Param("id")
	if err := cmd(c.Request.Context(), account, id); err != nil {
		respondError(c, err)
		return
	}
	info, err := s.Engine.GetInstance(account, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) deleteInstance(c *gin.Context) {
	if err := s.Engine.DeleteInstance(c.Request.Context(), c.Param("account"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getPosition(c *gin.Context) {
	snap, err := s.Engine.Snapshot(c.Param("account"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getOrders(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		badRequest(c, err)
		return
	}
	orders, err := s.Engine.Orders(c.Request.Context(), c.Param("account"), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
