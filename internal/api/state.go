package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hedge-core/pkg/errs"
)

func (s *Server) createBackup(c *gin.Context) {
	id, err := s.Engine.BackupState(c.Param("account"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"backup_id": id})
}

func (s *Server) listBackups(c *gin.Context) {
	backups, err := s.Engine.ListBackups(c.Param("account"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

type restoreRequest struct {
	BackupID string `json:"backup_id" binding:"required"`
}

func (s *Server) restoreState(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.Engine.RestoreState(c.Param("account"), req.BackupID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": req.BackupID})
}

func (s *Server) reconcile(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, errs.New(errs.CodePrecondition,
			errs.WithMessage("reconciliation is not enabled"),
			errs.WithRemediation("set RECONCILE_INTERVAL or wire a reconciler")))
		return
	}
	report, err := s.Reconciler.Reconcile(c.Request.Context(), c.Param("account"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// listEvents replays the journal of an account. after is the last sequence
// number the client has seen.
func (s *Server) listEvents(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, errs.New(errs.CodePrecondition,
			errs.WithMessage("event journal is not enabled"),
			errs.WithRemediation("set JOURNAL_PATH")))
		return
	}
	var after uint64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(c, err)
			return
		}
		after = n
	}
	limit, err := queryInt(c, "limit", 200)
	if err != nil {
		badRequest(c, err)
		return
	}
	msgs, err := s.Journal.List(c.Param("account"), c.Query("instance_id"), after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": msgs})
}
