package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"go-watchparty/internal/db"
	"go-watchparty/internal/party"
	"go-watchparty/internal/room"
	"go-watchparty/internal/upload"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		log.Println("no .env file, using system environment")
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost" + *addr
	}
	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	idleWindow := durationEnv("ROOM_IDLE_WINDOW", 30*time.Minute)
	reapInterval := durationEnv("ROOM_REAP_INTERVAL", 10*time.Minute)

	// 2. Room Store (Platform Layer): Postgres when configured, otherwise
	// in-memory for the dev loop.
	var store room.Store
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		database, err := db.NewDatabase(dsn)
		if err != nil {
			log.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		log.Println("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Println("✅ Database Schema Initialized")

		store = room.NewRepository(database.Conn)
	} else {
		log.Println("⚠️  DB_DSN not set, using in-memory room store")
		store = room.NewMemStore()
	}

	// 3. Redis (optional): bridges room broadcasts across instances.
	var redisClient *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		log.Println("✅ Connected to Redis")
	} else {
		log.Println("⚠️  REDIS_ADDR not set, running single-instance")
	}

	// 4. Core components
	hub := party.NewHub(redisClient)
	if redisClient != nil {
		go hub.Subscribe(context.Background())
	}

	registry := party.NewRegistry()
	service := party.NewService(store, registry, hub)

	uploadHandler, err := upload.NewHandler(uploadDir, baseURL, hub)
	if err != nil {
		log.Fatalf("❌ Upload dir setup failed: %v", err)
	}

	wsHandler := party.NewHandler(hub, service, uploadHandler)

	// 5. Idle-room reaper
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go party.NewReaper(service, reapInterval, idleWindow).Run(reaperCtx)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/ws", wsHandler.ServeWs)
	r.Post("/upload", uploadHandler.ServeHTTP)

	fileServer := http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir)))
	r.Get("/uploads/*", func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "..") {
			http.NotFound(w, req)
			return
		}
		fileServer.ServeHTTP(w, req)
	})

	server := &http.Server{Addr: *addr, Handler: r}

	go func() {
		log.Printf("🚀 Server starting on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// 7. Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Server shutting down...")
	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("❌ Invalid %s: %v", key, err)
	}
	return d
}
