// useradd da de alta un usuario en el directorio local (Postgres o SQLite).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"session-lifecycle/internal/config"
	"session-lifecycle/internal/db"
	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/repository"
)

func main() {
	email := flag.String("email", "", "User email")
	password := flag.String("password", "", "Plain-text password (hashed with bcrypt)")
	role := flag.String("role", string(domain.RoleGuest), "Role: guest, staff, hotel_employee, vendor_admin or admin")
	name := flag.String("name", "", "Display name")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}
	if strings.TrimSpace(*email) == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "email and password are required")
		os.Exit(2)
	}

	cfg, err := config.LoadDirectoryConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	users, closeFn, err := openDirectory(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open directory:", err)
		os.Exit(1)
	}
	defer closeFn()

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash password:", err)
		os.Exit(1)
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        *email,
		DisplayName:  *name,
		Role:         domain.NormalizeRole(*role),
		PasswordHash: string(hash),
	}
	if err := users.Create(ctx, u); err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		os.Exit(1)
	}
	fmt.Println(u.ID)
}

func openDirectory(ctx context.Context, cfg *config.DirectoryConfig) (repository.UserWriter, func(), error) {
	if cfg.LogDriver == config.LogDriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		users, err := repository.NewSQLiteUserRepository(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return users, func() { _ = conn.Close() }, nil
	}

	pool, err := db.NewPool(ctx, &config.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPgUserRepository(pool), pool.Close, nil
}
