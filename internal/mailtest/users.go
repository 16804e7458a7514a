package mailtest

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
)

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// Users is an in-memory account table. Passwords are stored hashed.
type Users struct {
	items map[string]User
	mu    sync.Mutex
}

func NewUsers() *Users {
	return &Users{
		items: make(map[string]User),
	}
}

func (u *Users) Add(name, password, email string) (User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.items[name]; exists {
		return User{}, ErrUserAlreadyExists
	}

	user := User{
		ID:       uuid.New().String(),
		Name:     name,
		Password: Hash(password),
		Email:    email,
	}
	u.items[name] = user

	return user, nil
}

func (u *Users) GetByName(name string) (*User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, exists := u.items[name]
	if !exists {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (u *Users) GetByEmail(email string) (*User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, user := range u.items {
		if user.Email == email {
			return &user, nil
		}
	}
	return nil, ErrUserNotFound
}

// Check resolves name as an account name first and as an email address
// second, then compares the password.
func (u *Users) Check(name, password string) bool {
	user, err := u.GetByName(name)
	if errors.Is(err, ErrUserNotFound) {
		user, err = u.GetByEmail(name)
	}
	if err != nil {
		return false
	}

	return user.Password == Hash(password)
}

func Hash(password string) string {
	h := sha256.New()
	h.Write([]byte(password))
	return fmt.Sprintf("%x", h.Sum(nil))
}
