/*
 * This file is part of Chihaya.
 *
 * Chihaya is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Chihaya is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with Chihaya.  If not, see <http://www.gnu.org/licenses/>.
 */

package database

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"unit3d-announce/config"
	cdb "unit3d-announce/database/types"
	"unit3d-announce/log"
	"unit3d-announce/metrics"
	"unit3d-announce/util"

	"github.com/go-sql-driver/mysql"
)

type Connection struct {
	sqlDb *sql.DB
	mutex sync.Mutex
}

// Database owns every reference cache the announce/scrape hot path reads,
// the write-back queues that drain into MySQL, and the background loops
// (reload, flush, peer reaper) that keep them current.
type Database struct {
	snatchChannel            chan *bytes.Buffer
	transferHistoryChannel   chan *bytes.Buffer
	transferIpsChannel       chan *bytes.Buffer
	torrentChannel           chan *bytes.Buffer
	userChannel              chan *bytes.Buffer
	unregisteredHashChannel  chan *bytes.Buffer

	loadUsersStmt              *sql.Stmt
	loadTorrentsStmt           *sql.Stmt
	loadGroupsStmt             *sql.Stmt
	loadFeaturedTorrentsStmt   *sql.Stmt
	loadFreeleechTokensStmt    *sql.Stmt
	loadPersonalFreeleechStmt  *sql.Stmt
	loadClientsStmt            *sql.Stmt
	loadGlobalFreeleechStmt    *sql.Stmt
	loadHnrStmt                *sql.Stmt
	loadBlacklistStmt          *sql.Stmt
	cleanStalePeersStmt        *sql.Stmt
	unPruneTorrentStmt         *sql.Stmt

	Users              atomic.Pointer[map[cdb.PasskeyHash]*cdb.User]
	Torrents           atomic.Pointer[map[cdb.TorrentHash]*cdb.Torrent]
	Groups             atomic.Pointer[map[uint32]*cdb.Group]
	FeaturedTorrents   atomic.Pointer[map[uint32]struct{}]
	FreeleechTokens    atomic.Pointer[map[cdb.UserTorrentPair]struct{}]
	PersonalFreeleech  atomic.Pointer[map[uint32]int64] // userID -> expiry (0 = no expiry)
	HitAndRuns         atomic.Pointer[map[cdb.UserTorrentPair]struct{}]
	Clients            atomic.Pointer[map[uint16]string] // approved client peer-id prefix -> name
	Blacklist          atomic.Pointer[[]cdb.BlacklistedAgent]
	GlobalFreeleech    atomic.Bool

	mainConn *Connection // used for reloading and misc one-off queries

	bufferPool *util.BufferPool

	transferHistoryLock sync.Mutex

	terminate atomic.Bool
	waitGroup sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	deadlockWaitTime   int
	maxDeadlockRetries int
)

var defaultDsn = map[string]string{
	"username": "unit3d",
	"password": "",
	"proto":    "tcp",
	"addr":     "127.0.0.1:3306",
	"database": "unit3d",
}

func New() *Database {
	return &Database{}
}

func (db *Database) Init() {
	db.ctx, db.cancel = context.WithCancel(context.Background())

	log.Info.Print("Opening database connection...")

	db.mainConn = Open()

	// Used for recording updates, so the max required size should be < 128 bytes. See queue.go for details.
	db.bufferPool = util.NewBufferPool(128)

	var err error

	db.loadUsersStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT id, passkey, `group_id`, disable_download, tracker_hide, " +
			"is_lifetime_freeleech FROM users WHERE banned = 0")
	if err != nil {
		panic(err)
	}

	db.loadHnrStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT h.user_id, h.torrent_id FROM history AS h " +
			"JOIN users AS u ON u.id = h.user_id WHERE h.hit_and_run = 1 AND u.banned = 0")
	if err != nil {
		panic(err)
	}

	db.loadTorrentsStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT id, info_hash, down_multiplier, up_multiplier, seeders, leechers, times_completed, status, " +
			"user_id FROM torrents")
	if err != nil {
		panic(err)
	}

	db.loadGroupsStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT id, slug, is_immune, is_freeleech, is_double_upload, download_slots FROM groups")
	if err != nil {
		panic(err)
	}

	db.loadFeaturedTorrentsStmt, err = db.mainConn.sqlDb.Prepare("SELECT torrent_id FROM featured_torrents")
	if err != nil {
		panic(err)
	}

	db.loadFreeleechTokensStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT user_id, torrent_id FROM freeleech_tokens WHERE used = 0")
	if err != nil {
		panic(err)
	}

	db.loadPersonalFreeleechStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT user_id, expires_at FROM personal_freeleeches WHERE expires_at IS NULL OR expires_at > NOW()")
	if err != nil {
		panic(err)
	}

	db.loadClientsStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT id, peer_id FROM approved_clients WHERE archived = 0")
	if err != nil {
		panic(err)
	}

	db.loadGlobalFreeleechStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT mod_setting FROM mod_core WHERE mod_option = 'global_freeleech'")
	if err != nil {
		panic(err)
	}

	db.loadBlacklistStmt, err = db.mainConn.sqlDb.Prepare("SELECT id, peer_id FROM blacklist_clients")
	if err != nil {
		panic(err)
	}

	db.cleanStalePeersStmt, err = db.mainConn.sqlDb.Prepare(
		"UPDATE history SET active = 0 WHERE last_announce < ? AND active = 1")
	if err != nil {
		panic(err)
	}

	db.unPruneTorrentStmt, err = db.mainConn.sqlDb.Prepare(
		"UPDATE torrents SET status = ? WHERE id = ?")
	if err != nil {
		panic(err)
	}

	emptyUsers := make(map[cdb.PasskeyHash]*cdb.User)
	db.Users.Store(&emptyUsers)

	emptyTorrents := make(map[cdb.TorrentHash]*cdb.Torrent)
	db.Torrents.Store(&emptyTorrents)

	emptyGroups := make(map[uint32]*cdb.Group)
	db.Groups.Store(&emptyGroups)

	emptyFeatured := make(map[uint32]struct{})
	db.FeaturedTorrents.Store(&emptyFeatured)

	emptyTokens := make(map[cdb.UserTorrentPair]struct{})
	db.FreeleechTokens.Store(&emptyTokens)

	emptyPersonal := make(map[uint32]int64)
	db.PersonalFreeleech.Store(&emptyPersonal)

	emptyHnr := make(map[cdb.UserTorrentPair]struct{})
	db.HitAndRuns.Store(&emptyHnr)

	emptyClients := make(map[uint16]string)
	db.Clients.Store(&emptyClients)

	emptyBlacklist := make([]cdb.BlacklistedAgent, 0)
	db.Blacklist.Store(&emptyBlacklist)

	log.Info.Print("Populating initial data into memory, please wait...")
	db.loadUsers()
	db.loadTorrents()
	db.loadGroups()
	db.loadFeaturedTorrents()
	db.loadFreeleechTokens()
	db.loadPersonalFreeleech()
	db.loadHitAndRuns()
	db.loadClients()
	db.loadBlacklist()
	db.loadGlobalFreeleech()

	log.Info.Print("Starting goroutines...")
	db.startReloading()
	db.startFlushing()
}

func (db *Database) Terminate() {
	log.Info.Print("Terminating database connection...")

	db.terminate.Store(true)
	db.cancel()

	log.Info.Print("Closing all flush channels...")
	db.closeFlushChannels()

	go func() {
		time.Sleep(10 * time.Second)
		log.Info.Print("Waiting for database flushing to finish. This can take a few minutes, please be patient!")
	}()

	db.waitGroup.Wait()
	db.mainConn.mutex.Lock()
	_ = db.mainConn.Close()
	db.mainConn.mutex.Unlock()
}

func Open() *Connection {
	databaseConfig := config.Section("database")
	deadlockWaitTime, _ = databaseConfig.GetInt("deadlock_pause", 1)
	maxDeadlockRetries, _ = databaseConfig.GetInt("deadlock_retries", 5)

	channelsConfig := config.Section("channels")
	torrentFlushBufferSize, _ = channelsConfig.GetInt("torrents", 5000)
	userFlushBufferSize, _ = channelsConfig.GetInt("users", 5000)
	transferHistoryFlushBufferSize, _ = channelsConfig.GetInt("transfer_history", 5000)
	transferIpsFlushBufferSize, _ = channelsConfig.GetInt("transfer_ips", 5000)
	snatchFlushBufferSize, _ = channelsConfig.GetInt("snatches", 25)
	unregisteredHashFlushBufferSize, _ = channelsConfig.GetInt("unregistered_hashes", 500)

	// DSN Format: username:password@protocol(address)/dbname?param=value
	// First try to load the DSN from environment, useful for tests.
	databaseDsn := os.Getenv("DB_DSN")
	if databaseDsn == "" {
		dbUsername, _ := databaseConfig.Get("username", defaultDsn["username"])
		dbPassword, _ := databaseConfig.Get("password", defaultDsn["password"])
		dbProto, _ := databaseConfig.Get("proto", defaultDsn["proto"])
		dbAddr, _ := databaseConfig.Get("addr", defaultDsn["addr"])
		dbDatabase, _ := databaseConfig.Get("database", defaultDsn["database"])
		databaseDsn = fmt.Sprintf("%s:%s@%s(%s)/%s",
			dbUsername,
			dbPassword,
			dbProto,
			dbAddr,
			dbDatabase,
		)
	}

	sqlDb, err := sql.Open("mysql", databaseDsn)
	if err != nil {
		log.Fatal.Fatalf("Couldn't connect to database - %s", err)
	}

	if err = sqlDb.Ping(); err != nil {
		log.Fatal.Fatalf("Couldn't ping database - %s", err)
	}

	return &Connection{
		sqlDb: sqlDb,
	}
}

func (db *Connection) Close() error {
	return db.sqlDb.Close()
}

func (db *Connection) query(stmt *sql.Stmt, args ...interface{}) *sql.Rows { //nolint:unparam
	rows, _ := perform(func() (interface{}, error) {
		return stmt.Query(args...)
	}).(*sql.Rows)

	return rows
}

func (db *Connection) execute(stmt *sql.Stmt, args ...interface{}) sql.Result {
	result, _ := perform(func() (interface{}, error) {
		return stmt.Exec(args...)
	}).(sql.Result)

	return result
}

func (db *Connection) exec(query *bytes.Buffer, args ...interface{}) sql.Result { //nolint:unparam
	result, _ := perform(func() (interface{}, error) {
		return db.sqlDb.Exec(query.String(), args...)
	}).(sql.Result)

	return result
}

func perform(exec func() (interface{}, error)) (result interface{}) {
	var (
		err   error
		tries int
		wait  time.Duration
	)

	for tries = 1; tries <= maxDeadlockRetries; tries++ {
		result, err = exec()
		if err != nil {
			if merr, isMysqlError := err.(*mysql.MySQLError); isMysqlError {
				if merr.Number == 1213 || merr.Number == 1205 {
					wait = time.Duration(deadlockWaitTime*tries) * time.Second
					log.Warning.Printf("Deadlock found! Retrying in %s (%d/%d)", wait.String(), tries,
						maxDeadlockRetries)

					if tries == 1 {
						metrics.IncrementDeadlockCount()
					}

					metrics.IncrementDeadlockTime(wait)
					time.Sleep(wait)

					continue
				}

				log.Error.Printf("SQL error %d: %s", merr.Number, merr.Message)
				log.WriteStack()

				metrics.IncrementSQLErrorCount()
			} else {
				log.Panic.Printf("Error executing SQL: %s", err)
				panic(err)
			}
		}

		return
	}

	log.Error.Printf("Deadlocked %d times, giving up!", tries)
	log.WriteStack()
	metrics.IncrementDeadlockAborted()

	return
}
