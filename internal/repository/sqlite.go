package repository

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/receipt"
	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/u128"
)

type SqliteDB struct {
	logger *logger.Logger

	Conn *gorm.DB

	// disputeWindow bounds admissions on force-closing channels.
	disputeWindow time.Duration

	// admit serializes per channel: a receipt race on one channel must not
	// let two candidates both observe the same prior maximum.
	mu        sync.Mutex
	channelMu map[int64]*sync.Mutex
}

func NewSqliteDB(dbURL string, disputeWindow time.Duration, logger *logger.Logger) (models.Repository, error) {
	// Suppress "record not found" noise the same way we tune slow-query logs
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(sqlite.Open(dbURL), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %s", err)
	}

	// WAL keeps readers unblocked while an admission commits; the busy
	// timeout covers writer contention across channels.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %s", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %s", err)
	}
	if err := db.Exec("PRAGMA foreign_keys=ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %s", err)
	}

	if err := db.AutoMigrate(&models.Channel{}, &models.SignedStateEntry{}, &models.AppLock{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %s", err)
	}
	logger.Info("Successfully opened ledger database")
	return &SqliteDB{
		Conn:          db,
		logger:        logger,
		disputeWindow: disputeWindow,
		channelMu:     make(map[int64]*sync.Mutex),
	}, nil
}

func (db *SqliteDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.Close()
}

func (db *SqliteDB) GetChannel(name string) (*models.Channel, error) {
	var channel models.Channel
	if err := db.Conn.Where("name = ?", name).First(&channel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel: %s", err)
	}
	return &channel, nil
}

func (db *SqliteDB) UpsertChannelFromChain(name string, view *models.ChainView) (*models.Channel, error) {
	added, err := u128.ToLE(view.AddedBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid added balance from chain: %s", err)
	}
	withdrawn, err := u128.ToLE(view.WithdrawnBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid withdrawn balance from chain: %s", err)
	}

	existing, err := db.GetChannel(name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		channel := &models.Channel{
			Name:              name,
			Sender:            view.Sender,
			SenderPK:          view.SenderPK,
			Receiver:          view.Receiver,
			ReceiverPK:        view.ReceiverPK,
			AddedBalance:      added,
			WithdrawnBalance:  withdrawn,
			ForceCloseStarted: view.ForceCloseStarted,
			Settled:           view.Closed,
			LastActive:        time.Now().Unix(),
		}
		if err := db.Conn.Create(channel).Error; err != nil {
			return nil, fmt.Errorf("failed to create channel: %s", err)
		}
		return channel, nil
	}

	// Participants and keys are immutable; only chain-observed facts move.
	updates := map[string]interface{}{
		"added_balance":       added,
		"withdrawn_balance":   withdrawn,
		"force_close_started": view.ForceCloseStarted,
	}
	if view.Closed {
		updates["settled"] = true
	}
	if err := db.Conn.Model(existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to refresh channel from chain: %s", err)
	}
	return db.GetChannel(name)
}

func (db *SqliteDB) LatestEntry(channelID int64) (*models.SignedStateEntry, error) {
	var entry models.SignedStateEntry
	err := db.Conn.Where("channel_id = ?", channelID).Order("id DESC").First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest signed state: %s", err)
	}
	return &entry, nil
}

func (db *SqliteDB) LatestSpent(channelID int64) (*big.Int, error) {
	entry, err := db.LatestEntry(channelID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return new(big.Int), nil
	}
	return entry.Spent(), nil
}

// lockChannel returns the admission mutex for a channel id.
func (db *SqliteDB) lockChannel(id int64) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.channelMu[id]
	if !ok {
		m = &sync.Mutex{}
		db.channelMu[id] = m
	}
	return m
}

// Admit is the critical section. It holds the channel's admission mutex
// across one transaction that re-reads the channel row and current maximum,
// re-validates the candidate, verifies the signature, and appends the entry.
// No chain or upstream I/O happens under the lock.
func (db *SqliteDB) Admit(channel *models.Channel, spent *big.Int, signature []byte, cost *big.Int) (*models.SignedStateEntry, error) {
	mu := db.lockChannel(channel.ID)
	mu.Lock()
	defer mu.Unlock()

	spentBytes, err := u128.ToLE(spent)
	if err != nil {
		return nil, models.NewAdmitError(models.ErrMalformed, "spent balance: %v", err)
	}

	var admitted *models.SignedStateEntry
	txErr := db.Conn.Transaction(func(tx *gorm.DB) error {
		var row models.Channel
		if err := tx.First(&row, channel.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewAdmitError(models.ErrUnknownChannel, "channel %s", channel.Name)
			}
			return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
		}

		now := time.Now()
		if row.ClosedAt(now, db.disputeWindow) {
			return models.NewAdmitError(models.ErrChannelClosed, "channel %s no longer admits receipts", row.Name)
		}

		var latest models.SignedStateEntry
		currentMax := new(big.Int)
		err := tx.Where("channel_id = ?", row.ID).Order("id DESC").First(&latest).Error
		switch {
		case err == nil:
			currentMax = latest.Spent()
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
		}

		// The sender must authorize strictly more than already recorded,
		// and at least cost more. Over-paying to batch is fine.
		if spent.Cmp(currentMax) <= 0 {
			return &models.AdmitError{
				Kind:       models.ErrNonMonotonic,
				Message:    fmt.Sprintf("spent balance %s does not exceed current maximum", spent),
				CurrentMax: currentMax,
			}
		}
		required := new(big.Int).Add(currentMax, cost)
		if spent.Cmp(required) < 0 {
			return &models.AdmitError{
				Kind:       models.ErrNonMonotonic,
				Message:    fmt.Sprintf("spent balance %s does not cover cost %s over current maximum", spent, cost),
				CurrentMax: currentMax,
				Required:   required,
			}
		}

		// The channel never authorizes more than it holds.
		budget := new(big.Int).Sub(row.Added(), row.Withdrawn())
		if spent.Cmp(budget) > 0 {
			return &models.AdmitError{
				Kind:     models.ErrInsufficientBalance,
				Message:  fmt.Sprintf("spent balance %s exceeds channel budget %s", spent, budget),
				Required: new(big.Int).Sub(spent, budget),
			}
		}

		ss := &receipt.SignedState{
			State:     receipt.State{ChannelName: row.Name, SpentBalance: spent},
			Signature: signature,
		}
		if err := receipt.Verify(ss, row.SenderPK); err != nil {
			return &models.AdmitError{Kind: models.ErrSignatureInvalid, Err: err}
		}

		entry := &models.SignedStateEntry{
			ChannelID:    row.ID,
			SpentBalance: spentBytes,
			Signature:    base64.StdEncoding.EncodeToString(signature),
		}
		if err := tx.Create(entry).Error; err != nil {
			return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
		}
		if err := tx.Model(&models.Channel{}).Where("id = ?", row.ID).
			Update("last_active", now.Unix()).Error; err != nil {
			return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
		}
		admitted = entry
		return nil
	})
	if txErr != nil {
		var ae *models.AdmitError
		if errors.As(txErr, &ae) {
			return nil, ae
		}
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: txErr}
	}
	return admitted, nil
}

func (db *SqliteDB) MarkSoftClosed(name string) error {
	if err := db.Conn.Model(&models.Channel{}).Where("name = ?", name).
		Update("soft_closed", true).Error; err != nil {
		return fmt.Errorf("failed to mark channel soft closed: %s", err)
	}
	return nil
}

func (db *SqliteDB) MarkSettled(name string) error {
	if err := db.Conn.Model(&models.Channel{}).Where("name = ?", name).
		Update("settled", true).Error; err != nil {
		return fmt.Errorf("failed to mark channel settled: %s", err)
	}
	return nil
}

func (db *SqliteDB) TouchChannelActive(name string) error {
	if err := db.Conn.Model(&models.Channel{}).Where("name = ?", name).
		Update("last_active", time.Now().Unix()).Error; err != nil {
		return fmt.Errorf("failed to update channel last active: %s", err)
	}
	return nil
}

func (db *SqliteDB) NonSettledChannels(limit int) ([]*models.Channel, error) {
	var channels []*models.Channel
	if err := db.Conn.Where("settled = ?", false).Limit(limit).Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to list non-settled channels: %s", err)
	}
	return channels, nil
}

func (db *SqliteDB) StaleChannels(threshold time.Duration, limit int) ([]*models.Channel, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	var channels []*models.Channel
	if err := db.Conn.Where("settled = ? AND last_active < ?", false, cutoff).
		Limit(limit).Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale channels: %s", err)
	}
	return channels, nil
}

func (db *SqliteDB) AcquireLock(name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	acquired := false
	err := db.Conn.Transaction(func(tx *gorm.DB) error {
		var lock models.AppLock
		err := tx.Where("lock_name = ?", name).First(&lock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			lock = models.AppLock{
				LockName:   name,
				InstanceID: instanceID,
				AcquiredAt: now,
				ExpiresAt:  now + int64(ttl.Seconds()),
			}
			if err := tx.Create(&lock).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}
		if err != nil {
			return err
		}
		if lock.InstanceID != instanceID && lock.ExpiresAt > now {
			return nil
		}
		lock.InstanceID = instanceID
		lock.AcquiredAt = now
		lock.ExpiresAt = now + int64(ttl.Seconds())
		if err := tx.Save(&lock).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %s", name, err)
	}
	return acquired, nil
}

func (db *SqliteDB) ReleaseLock(name, instanceID string) error {
	if err := db.Conn.Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error; err != nil {
		return fmt.Errorf("failed to release lock %s: %s", name, err)
	}
	return nil
}
