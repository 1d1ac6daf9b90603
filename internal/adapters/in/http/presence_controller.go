package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/in"
	presenceErr "github.com/EthanQC/presence/pkg/errors"
	"github.com/EthanQC/presence/pkg/zlog"
)

// PresenceController HTTP在线状态控制器
type PresenceController struct {
	presenceUseCase in.PresenceUseCase
	// 请求未携带 nodeId 时使用本节点
	localNodeID string
}

// NewPresenceController 创建在线状态控制器
func NewPresenceController(presenceUseCase in.PresenceUseCase, localNodeID string) *PresenceController {
	return &PresenceController{presenceUseCase: presenceUseCase, localNodeID: localNodeID}
}

// RegisterRoutes 注册路由
func (c *PresenceController) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/connections", c.Connect)

	users := r.Group("/users/:uid")
	{
		users.PUT("", c.EnsureUser)
		users.GET("/presence", c.GetPresence)
		users.PUT("/status", c.SetDefaultStatus)
		users.DELETE("/connections/:cid", c.Disconnect)
		users.PUT("/connections/:cid/status", c.SetConnectionStatus)
	}

	cluster := r.Group("/cluster")
	{
		cluster.POST("/nodes/:nodeId/lost", c.NodeLost)
		cluster.POST("/reconcile", c.Reconcile)
	}
}

// ConnectRequest 连接上线请求
type ConnectRequest struct {
	UserID       string `json:"uid" binding:"required"`
	ConnectionID string `json:"connectionId" binding:"required"`
	NodeID       string `json:"nodeId"`
}

// Connect 连接上线
func (c *PresenceController) Connect(ctx *gin.Context) {
	var req ConnectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NodeID == "" {
		req.NodeID = c.localNodeID
	}

	result, err := c.presenceUseCase.OnConnect(ctx.Request.Context(), req.UserID, req.ConnectionID, req.NodeID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": result})
}

// Disconnect 连接断开，重复调用返回 removed=false
func (c *PresenceController) Disconnect(ctx *gin.Context) {
	result, err := c.presenceUseCase.OnDisconnect(ctx.Request.Context(), ctx.Param("uid"), ctx.Param("cid"))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": result})
}

// SetConnectionStatusRequest 设置连接状态请求
type SetConnectionStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetConnectionStatus 设置单个连接状态
func (c *PresenceController) SetConnectionStatus(ctx *gin.Context) {
	var req SetConnectionStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := entity.ParsePresenceStatus(req.Status)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	changed, err := c.presenceUseCase.SetConnectionStatus(ctx.Request.Context(), ctx.Param("uid"), ctx.Param("cid"), status)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"changed": changed}})
}

// SetDefaultStatusRequest 设置默认状态请求，statusText 缺省时不修改
type SetDefaultStatusRequest struct {
	StatusDefault string  `json:"statusDefault" binding:"required"`
	StatusText    *string `json:"statusText" binding:"omitempty,max=120"`
}

// SetDefaultStatus 设置用户默认状态
func (c *PresenceController) SetDefaultStatus(ctx *gin.Context) {
	var req SetDefaultStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := entity.ParsePresenceStatus(req.StatusDefault)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	changed, err := c.presenceUseCase.SetUserDefaultStatus(ctx.Request.Context(), ctx.Param("uid"), status, req.StatusText)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"changed": changed}})
}

// GetPresence 获取用户状态
func (c *PresenceController) GetPresence(ctx *gin.Context) {
	presence, err := c.presenceUseCase.GetPresence(ctx.Request.Context(), ctx.Param("uid"))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if presence == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": presence})
}

// EnsureUserRequest 登记用户请求
type EnsureUserRequest struct {
	Username string `json:"username" binding:"max=64"`
}

// EnsureUser 登记用户
func (c *PresenceController) EnsureUser(ctx *gin.Context) {
	var req EnsureUserRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := c.presenceUseCase.EnsureUser(ctx.Request.Context(), ctx.Param("uid"), req.Username); err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// NodeLost 通知节点离开集群
func (c *PresenceController) NodeLost(ctx *gin.Context) {
	affected, err := c.presenceUseCase.OnNodeLost(ctx.Request.Context(), ctx.Param("nodeId"))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"affectedUsers": affected}})
}

// Reconcile 立即按存活节点清理孤儿连接
func (c *PresenceController) Reconcile(ctx *gin.Context) {
	affected, err := c.presenceUseCase.ReconcileAgainstLiveMembership(ctx.Request.Context())
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"affectedUsers": affected}})
}

func (c *PresenceController) fail(ctx *gin.Context, err error) {
	status := mapPresenceError(err)
	if status >= http.StatusInternalServerError {
		zlog.C(ctx.Request.Context()).Error("presence request failed", zap.Error(err))
	}
	_ = ctx.Error(err)
	ctx.JSON(status, gin.H{"error": err.Error()})
}

func mapPresenceError(err error) int {
	switch {
	case errors.Is(err, presenceErr.ErrEmptyID), errors.Is(err, presenceErr.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, presenceErr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, presenceErr.ErrMembershipUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
