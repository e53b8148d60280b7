package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func Init(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Vacuum(db); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := db.AutoMigrate(&Peer{}, &Message{}); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func Vacuum(db *gorm.DB) error {
	return db.Exec("VACUUM").Error
}

// SaveMessage inserts msg, silently skipping rows that are already archived.
func SaveMessage(db *gorm.DB, msg *Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error
}

// GetMessages returns the latest limit messages of a kind and room, oldest
// first.
func GetMessages(db *gorm.DB, kind, room string, limit int) ([]Message, error) {
	var messages []Message
	result := db.Where("kind = ? AND room = ?", kind, room).
		Order("seq desc").Limit(limit).Find(&messages)
	if result.Error != nil {
		return nil, result.Error
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func ClearMessages(db *gorm.DB, kind, room string) error {
	return db.Where("kind = ? AND room = ?", kind, room).Delete(&Message{}).Error
}

// UpsertPeer records a sighting. FirstSeen is kept from the first insert.
func UpsertPeer(db *gorm.DB, peer Peer) error {
	now := time.Now()
	if peer.FirstSeen.IsZero() {
		peer.FirstSeen = now
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = now
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"addr", "room", "last_seen"}),
	}).Create(&peer).Error
}

func GetPeers(db *gorm.DB) ([]Peer, error) {
	var peers []Peer
	result := db.Order("last_seen desc").Find(&peers)
	return peers, result.Error
}
