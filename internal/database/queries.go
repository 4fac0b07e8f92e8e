package database

import (
	"time"
)

func (db *PgRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, created_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.CreatedAt,
	)

	return u, err
}

// ListAccounts returns every account except excludeId, for the contact
// sidebar.
func (db *PgRepository) ListAccounts(excludeId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, username, email, created_at FROM accounts "+
			"WHERE id != $1 ORDER BY username",
		excludeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (sender_id, recipient_id, content, seen, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, sender_id, recipient_id, content, seen, created_at",
		params.SenderId,
		params.RecipientId,
		params.Content,
		params.Seen,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.SenderId,
		&m.RecipientId,
		&m.Content,
		&m.Seen,
		&m.CreatedAt,
	)

	return m, err
}

// GetConversation returns the most recent messages exchanged between the
// two accounts, oldest first.
func (db *PgRepository) GetConversation(accountId, peerId, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender_id, recipient_id, content, seen, created_at FROM ("+
			"SELECT id, sender_id, recipient_id, content, seen, created_at FROM messages "+
			"WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1) "+
			"ORDER BY id DESC LIMIT $3"+
			") recent ORDER BY id",
		accountId,
		peerId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.SenderId, &m.RecipientId, &m.Content, &m.Seen, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// MarkConversationSeen marks every unseen message from senderId to
// recipientId as seen and returns how many rows changed.
func (db *PgRepository) MarkConversationSeen(recipientId, senderId int) (int64, error) {
	res, err := db.conn.Exec(
		"UPDATE messages SET seen = TRUE "+
			"WHERE recipient_id = $1 AND sender_id = $2 AND NOT seen",
		recipientId,
		senderId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// CountUnseen returns the number of unseen messages for the recipient,
// grouped by sender.
func (db *PgRepository) CountUnseen(recipientId int) (map[int]int, error) {
	rows, err := db.conn.Query(
		"SELECT sender_id, COUNT(*) FROM messages "+
			"WHERE recipient_id = $1 AND NOT seen GROUP BY sender_id",
		recipientId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var senderId, n int
		if err := rows.Scan(&senderId, &n); err != nil {
			return nil, err
		}
		counts[senderId] = n
	}

	return counts, rows.Err()
}
