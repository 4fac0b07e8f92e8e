package database

type Repository interface {
	Ping() error
	Close() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	ListAccounts(excludeId int) ([]User, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetConversation(accountId, peerId, limit int) ([]Message, error)
	MarkConversationSeen(recipientId, senderId int) (int64, error)
	CountUnseen(recipientId int) (map[int]int, error)
}
