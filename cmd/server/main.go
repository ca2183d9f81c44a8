package main // Entry point package

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/crewly/attendance-api/internal/config"
	"github.com/crewly/attendance-api/internal/database"
	"github.com/crewly/attendance-api/internal/handler"
	"github.com/crewly/attendance-api/internal/middleware"
	"github.com/crewly/attendance-api/internal/queue"
	"github.com/crewly/attendance-api/internal/repository"
	"github.com/crewly/attendance-api/internal/router"
	"github.com/crewly/attendance-api/internal/service"
)

func main() {
	_ = godotenv.Load() // optional .env for local development
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := database.InitSchema(db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// Redis backs rate limiting and the occupancy cache; nil disables both.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Println("redis unavailable, rate limiting and occupancy cache disabled")
	}

	slotRepo := repository.NewSlotRepo(db)
	crewRepo := repository.NewCrewRepo(db)
	attendanceRepo := repository.NewAttendanceRepo(db)

	svc := service.NewRSVPService(db, slotRepo, crewRepo, attendanceRepo,
		&queue.AMQPPublisher{URL: queue.BrokerURL()})
	h := handler.NewRSVPHandler(svc, rdb, config.OccupancyCacheTTL())

	// Background consumer logs waitlist promotions; it reconnects forever
	// and never takes the server down.
	go func() {
		if err := queue.StartPromotionConsumer(); err != nil {
			log.Printf("rsvp-consumer: %v", err)
		}
	}()

	e := echo.New()
	router.RegisterRoutes(e)
	router.RegisterRSVP(e, h, cfg.JWTSecret,
		middleware.RateLimit(config.LoadRateLimitConfig(), rdb))

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
