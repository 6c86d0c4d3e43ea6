package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/repository"
	"github.com/stockauth/stockauth/internal/service"
)

type userCreator interface {
	Create(ctx context.Context, user *models.User) error
}

type seedOptions struct {
	Username string
	Email    string
	Name     string
	Password string
	Role     models.Role
	BranchID string
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seeduser:", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := repository.NewDynamoDBClient(ctx, cfg.DynamoDB)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	passwords, err := service.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize password hasher")
	}

	users := repository.NewUserRepository(client, cfg.DynamoDB.TableName, logger)

	user, err := seed(ctx, users, passwords, opts, cfg.Auth.PasswordMinLength)
	if err != nil {
		logger.WithError(err).Fatal("Failed to seed user")
	}

	logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role.String(),
	}).Info("User created")
}

// parseFlags falls back to SEED_PASSWORD so the password stays out of the
// shell history.
func parseFlags(args []string, getenv func(string) string) (seedOptions, error) {
	fs := flag.NewFlagSet("seeduser", flag.ContinueOnError)
	username := fs.String("username", "", "login name")
	email := fs.String("email", "", "email address used for password resets")
	name := fs.String("name", "", "display name")
	password := fs.String("password", "", "initial password (default $SEED_PASSWORD)")
	role := fs.String("role", "employee", "admin or employee")
	branch := fs.String("branch", "", "branch id")
	if err := fs.Parse(args); err != nil {
		return seedOptions{}, err
	}

	opts := seedOptions{
		Username: strings.TrimSpace(*username),
		Email:    strings.TrimSpace(*email),
		Name:     strings.TrimSpace(*name),
		Password: *password,
		BranchID: strings.TrimSpace(*branch),
	}
	if opts.Password == "" {
		opts.Password = getenv("SEED_PASSWORD")
	}

	switch strings.ToLower(*role) {
	case "admin":
		opts.Role = models.RoleAdmin
	case "employee":
		opts.Role = models.RoleEmployee
	default:
		return seedOptions{}, fmt.Errorf("unknown role %q", *role)
	}

	if opts.Username == "" || opts.Email == "" {
		return seedOptions{}, errors.New("username and email are required")
	}
	if opts.Password == "" {
		return seedOptions{}, errors.New("password is required")
	}

	return opts, nil
}

func seed(ctx context.Context, users userCreator, passwords *service.PasswordHasher, opts seedOptions, minLength int) (*models.User, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("unknown role %d", opts.Role)
	}
	if len(opts.Password) < minLength {
		return nil, fmt.Errorf("password must be at least %d characters", minLength)
	}

	hash, err := passwords.Hash(opts.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     opts.Username,
		Email:        opts.Email,
		Name:         opts.Name,
		PasswordHash: hash,
		Role:         opts.Role,
		BranchID:     opts.BranchID,
		IsActive:     true,
	}

	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, fmt.Errorf("username or email already taken: %w", err)
		}
		return nil, err
	}

	return user, nil
}
