package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          int
	DataPath      string
	DBPath        string
	WatchPath     string
	JWTSecret     string
	AdminUsername string
	AdminPassword string
	CORSOrigins   []string

	FFmpegBin  string
	FFprobeBin string
	WhisperBin string

	WhisperModel      string
	WhisperLanguage   string
	WhisperThreads    int
	WhisperProcessors int

	ToolReadTimeout  time.Duration
	ToolTotalTimeout time.Duration

	MinFileBytes  int64
	MaxUploadMB   int64
	MaxBatchFiles int
}

func Load() *Config {
	port, _ := strconv.Atoi(getEnv("PORT", "8080"))
	dataPath := getEnv("DATA_PATH", "/data")

	// JWT secret: require explicit setting or generate random
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			log.Fatalf("Failed to generate random JWT secret: %v", err)
		}
		jwtSecret = hex.EncodeToString(b)
		log.Println("WARNING: JWT_SECRET not set, using random secret. Sessions will not survive restarts. Set JWT_SECRET env var for persistent sessions.")
	}

	// CORS origins: comma-separated list or "*" (default)
	corsOrigins := []string{"*"}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		corsOrigins = make([]string, 0, len(origins))
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	return &Config{
		Port:          port,
		DataPath:      dataPath,
		DBPath:        getEnv("DB_PATH", dataPath+"/audioscribe.db"),
		WatchPath:     getEnv("WATCH_PATH", ""),
		JWTSecret:     jwtSecret,
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "admin"),
		CORSOrigins:   corsOrigins,

		FFmpegBin:  getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin: getEnv("FFPROBE_BIN", "ffprobe"),
		WhisperBin: getEnv("WHISPER_BIN", "whisper-cli"),

		WhisperModel:      getEnv("WHISPER_MODEL", dataPath+"/models/ggml-base.bin"),
		WhisperLanguage:   getEnv("WHISPER_LANGUAGE", "auto"),
		WhisperThreads:    getEnvInt("WHISPER_THREADS", 4),
		WhisperProcessors: getEnvInt("WHISPER_PROCESSORS", 1),

		ToolReadTimeout:  time.Duration(getEnvInt("TOOL_READ_TIMEOUT_SECONDS", 300)) * time.Second,
		ToolTotalTimeout: time.Duration(getEnvInt("TOOL_TOTAL_TIMEOUT_SECONDS", 7200)) * time.Second,

		MinFileBytes:  int64(getEnvInt("MIN_FILE_BYTES", 1024)),
		MaxUploadMB:   int64(getEnvInt("MAX_UPLOAD_MB", 500)),
		MaxBatchFiles: getEnvInt("MAX_BATCH_FILES", 50),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
