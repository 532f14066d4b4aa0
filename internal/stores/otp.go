package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpRecordVersionV1 = 1

	otpConsumeMaxRetries = 4
)

var (
	ErrOTPNotFound         = errors.New("otp record not found")
	ErrOTPExpired          = errors.New("otp record expired")
	ErrOTPMismatch         = errors.New("otp code mismatch")
	ErrOTPAttemptsExceeded = errors.New("otp attempts exceeded")
	ErrOTPCooldown         = errors.New("otp resend cooldown active")
	ErrOTPRedisUnavailable = errors.New("otp redis unavailable")
)

// OTPRecord is the stored state of one pending code. Only the SHA-256 of
// the code is kept.
type OTPRecord struct {
	CodeHash  [32]byte
	CreatedAt int64
	ExpiresAt int64
	Attempts  uint16
}

// OTPStore keeps at most one live record per (purpose, email) pair. All
// mutating operations run under WATCH so that concurrent requests against
// the same pair serialize through Redis.
type OTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOTPStore(redisClient redis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "aot"
	}
	return &OTPStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *OTPStore) key(purpose, email string) string {
	return s.prefix + ":" + purpose + ":" + email
}

// Save persists a fresh record, overwriting any previous one for the same
// pair. When a live record younger than cooldown exists, Save fails with
// [ErrOTPCooldown] and leaves the existing record untouched.
func (s *OTPStore) Save(
	ctx context.Context,
	purpose, email string,
	codeHash [32]byte,
	ttl, cooldown time.Duration,
) error {
	key := s.key(purpose, email)

	for i := 0; i < otpConsumeMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			now := time.Now()

			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				existing, decodeErr := decodeOTPRecord(data)
				// Undecodable leftovers are overwritten, not honored.
				if decodeErr == nil &&
					now.Unix() <= existing.ExpiresAt &&
					now.Unix()-existing.CreatedAt < int64(cooldown.Seconds()) {
					return ErrOTPCooldown
				}
			case errors.Is(err, redis.Nil):
				// no pending record
			default:
				return err
			}

			record := &OTPRecord{
				CodeHash:  codeHash,
				CreatedAt: now.Unix(),
				ExpiresAt: now.Add(ttl).Unix(),
			}
			encoded, err := encodeOTPRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrOTPCooldown) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: save contention", ErrOTPRedisUnavailable)
}

// Consume verifies providedHash against the stored record. A match deletes
// the record so codes are single-use. A mismatch increments the attempt
// counter and deletes the record once maxAttempts is reached. The hash
// comparison is constant-time.
func (s *OTPStore) Consume(
	ctx context.Context,
	purpose, email string,
	providedHash [32]byte,
	maxAttempts int,
) error {
	key := s.key(purpose, email)

	for i := 0; i < otpConsumeMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOTPRecord(data)
			if err != nil {
				return err
			}

			now := time.Now()
			if now.Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrOTPExpired
			}

			if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrOTPAttemptsExceeded
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrOTPExpired
				}

				updated, err := encodeOTPRecord(record)
				if err != nil {
					return err
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrOTPMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ErrOTPNotFound
			case errors.Is(err, ErrOTPExpired),
				errors.Is(err, ErrOTPMismatch),
				errors.Is(err, ErrOTPAttemptsExceeded):
				return err
			default:
				return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
			}
		}
		return nil
	}

	return ErrOTPNotFound
}

// Get returns the live record for a pair, or [ErrOTPNotFound]. Used by
// tests and diagnostics; the verification path goes through Consume.
func (s *OTPStore) Get(ctx context.Context, purpose, email string) (*OTPRecord, error) {
	data, err := s.redis.Get(ctx, s.key(purpose, email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}

	record, err := decodeOTPRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, ErrOTPNotFound
	}

	return record, nil
}

// Delete removes a pending record. Missing keys are not an error.
func (s *OTPStore) Delete(ctx context.Context, purpose, email string) error {
	if err := s.redis.Del(ctx, s.key(purpose, email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}

func encodeOTPRecord(record *OTPRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(otpRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*OTPRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersionV1 {
		return nil, errors.New("invalid otp record version")
	}

	record := &OTPRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
