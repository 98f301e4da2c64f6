package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
)

// ListPersonas returns the registered personas, primary first
func (h *Handler) ListPersonas(c *gin.Context) {
	personas := h.personas.List()
	c.JSON(http.StatusOK, gin.H{
		"data":    personas,
		"count":   len(personas),
		"primary": h.personas.Primary().ID,
	})
}

// GetPersona returns one persona by id
func (h *Handler) GetPersona(c *gin.Context) {
	p, ok := h.personas.Get(c.Param("id"))
	if !ok {
		errors.NotFound(c, "persona not found")
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListFillers returns filler phrases grouped by category
func (h *Handler) ListFillers(c *gin.Context) {
	if h.fillers == nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{}})
		return
	}
	category := c.Query("category")
	out := gin.H{}
	for _, name := range h.fillers.Categories() {
		if category != "" && name != category {
			continue
		}
		out[name] = h.fillers.Phrases(name)
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "stats": h.fillers.Stats()})
}
