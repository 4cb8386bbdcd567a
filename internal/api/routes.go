package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
)

const kickReason = "Kicked by operator"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relay",
		"version": util.Version,
	})
}

// handleGetStatus returns the pipeline and master server state.
func (s *Server) handleGetStatus(c *gin.Context) {
	stats := s.relay.Stats()
	resp := gin.H{
		"version":    util.Version,
		"relay":      stats,
		"uptime_sec": int64(stats.Uptime / time.Second),
	}
	if s.master != nil {
		resp["master"] = s.master.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSystem returns host information and current load.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"info":  util.GetSystemInfo(),
		"usage": util.GetUsage(),
	})
}

// handleGetClients lists connected clients ordered by id.
func (s *Server) handleGetClients(c *gin.Context) {
	all := s.relay.Clients().All()
	infos := make([]clients.Info, 0, len(all))
	for _, cl := range all {
		infos = append(infos, cl.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"clients": infos,
		"total":   len(infos),
	})
}

// handleGetClient returns one client.
func (s *Server) handleGetClient(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	cl, found := s.relay.Clients().GetByID(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusOK, cl.Info())
}

// handleKickClient disconnects a client. The optional reason query
// parameter is sent to the client.
func (s *Server) handleKickClient(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	reason := c.DefaultQuery("reason", kickReason)

	if err := s.relay.Kick(id, reason); err != nil {
		if errors.Is(err, transport.ErrUnknownClient) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "client disconnected",
		"id":      id,
	})
}

func clientID(c *gin.Context) (uint16, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return 0, false
	}
	return uint16(id), true
}
