package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hedge-core/internal/gateway"
	"hedge-core/pkg/errs"
)

type registerPlatformRequest struct {
	Platform  string `json:"platform" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
	BaseURL   string `json:"base_url"`
}

// registerPlatform verifies the credentials against the venue, then stores
// them so the platform is restored on restart.
func (s *Server) registerPlatform(c *gin.Context) {
	var req registerPlatformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	account := c.Param("account")
	creds := gateway.Credentials{
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		Testnet:   req.Testnet,
		BaseURL:   req.BaseURL,
	}
	if _, err := s.Platforms.CreatePlatformForAccount(c.Request.Context(), account, req.Platform, creds); err != nil {
		respondError(c, err)
		return
	}
	if s.Credentials != nil {
		if err := s.Credentials.Write(account, req.Platform, creds); err != nil {
			if rmErr := s.Platforms.Remove(account, req.Platform); rmErr != nil {
				log.Error().Err(rmErr).Str("account", account).Str("platform", req.Platform).Msg("rollback of platform registration failed")
			}
			respondError(c, errs.New(errs.CodeStatePersistence,
				errs.WithMessage("failed to store credentials"),
				errs.WithRemediation("check disk space and permissions of the credentials directory"),
				errs.WithCause(err),
				errs.WithDetail("account", account), errs.WithDetail("platform", req.Platform)))
			return
		}
	}
	c.JSON(http.StatusCreated, s.platformHealth(account, req.Platform))
}

func (s *Server) platformHealth(account, platform string) gateway.HandleHealth {
	for _, h := range s.Platforms.Health(account) {
		if h.Platform == platform {
			return h
		}
	}
	return gateway.HandleHealth{Account: account, Platform: platform}
}

func (s *Server) listPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"available":  s.Platforms.Platforms(),
		"registered": s.Platforms.Health(c.Param("account")),
	})
}

// getPlatformHealth reports the handles of every account.
func (s *Server) getPlatformHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": s.Platforms.Health("")})
}

func (s *Server) testPlatform(c *gin.Context) {
	account, platform := c.Param("account"), c.Param("platform")
	ok, err := s.Platforms.TestConnection(c.Request.Context(), account, platform)
	if err != nil {
		if e, isE := errs.As(err); isE && e.Code == errs.CodePlatformNotConfigured {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error(), "code": errs.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

func (s *Server) removePlatform(c *gin.Context) {
	account, platform := c.Param("account"), c.Param("platform")
	if err := s.Platforms.Remove(account, platform); err != nil {
		respondError(c, err)
		return
	}
	if s.Credentials != nil {
		if err := s.Credentials.Delete(account, platform); err != nil {
			respondError(c, errs.New(errs.CodeStatePersistence,
				errs.WithMessage("platform removed but its credential file remains"),
				errs.WithRemediation("delete "+s.Credentials.Path(account, platform)+" manually"),
				errs.WithCause(err)))
			return
		}
	}
	c.Status(http.StatusNoContent)
}
