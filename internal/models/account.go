package models

import "time"

type Account struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// PlayerData is the per-user row the matchmaker and private-server flow
// read and write. ServerID is the player binding: at most one server uid.
type PlayerData struct {
	UserID               int64      `json:"user_id"`
	ServerID             *string    `json:"server_id,omitempty"`
	Currency             int64      `json:"currency"`
	PrivateServerActive  bool       `json:"private_server_active"`
	PrivateServerExpires *time.Time `json:"private_server_expires,omitempty"`
	SchemaVersion        int        `json:"schema_version"`
	LastUpdated          time.Time  `json:"last_updated"`
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=24"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token"`
}
