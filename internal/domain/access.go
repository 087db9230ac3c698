package domain

// AccessController はアクセス制御のインターフェース.
type AccessController interface {
	IsAllowed(clientIP, host string) (bool, error)
	Reload() error
}
