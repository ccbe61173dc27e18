package router

import (
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/CUknot/roomchat/config"
	"github.com/CUknot/roomchat/controllers"
	"github.com/CUknot/roomchat/docs"
	"github.com/CUknot/roomchat/middleware"
	"github.com/CUknot/roomchat/websocket"
)

type Handlers struct {
	Hub      *websocket.Hub
	Messages *controllers.MessageController
	Rooms    *controllers.RoomController
	Health   *controllers.HealthController
}

// New builds the HTTP engine serving the chat socket and the REST routes.
func New(conf *config.Config, h Handlers, log *zap.Logger) *gin.Engine {
	gin.SetMode(conf.GinMode)
	router := gin.New()

	router.Use(requestid.New())
	router.Use(middleware.Logger(log))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			zap.String("request_id", requestid.Get(c)),
			zap.Any("panic", recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong!"})
	}))
	router.Use(middleware.ConfigCORS(conf.AllowedOrigins, conf.AllowAllOrigins()))

	// Swagger documentation
	docs.SwaggerInfo.Host = "localhost" + conf.Addr()
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/healthz", h.Health.Check)

	// History routes
	router.GET("/messages", h.Messages.GetHistory)
	router.GET("/messages/:room", h.Messages.GetHistory)

	// Room routes
	router.GET("/rooms", h.Rooms.GetRooms)
	router.GET("/rooms/:room", h.Rooms.GetRoom)

	// WebSocket route
	router.GET("/ws", h.Hub.HandleConnection)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})

	return router
}
