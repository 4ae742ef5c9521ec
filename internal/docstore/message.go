// Package docstore keeps messages in a single MongoDB collection with
// parent pointers. Tree queries walk parent_message_id level by level
// instead of using a materialized path.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const messagesCollection = "messages"

type messageDoc struct {
	ID              string     `bson:"_id"`
	ChatID          string     `bson:"chat_id"`
	SenderID        string     `bson:"sender_id"`
	Content         string     `bson:"content"`
	MessageType     string     `bson:"message_type"`
	ParentMessageID *string    `bson:"parent_message_id"`
	BranchLevel     int        `bson:"branch_level"`
	BranchPath      string     `bson:"branch_path"`
	IsBranchRoot    bool       `bson:"is_branch_root"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
	DeletedAt       *time.Time `bson:"deleted_at,omitempty"`
}

func (d *messageDoc) toModel() model.Message {
	return model.Message{
		ID:              d.ID,
		ChatID:          d.ChatID,
		SenderID:        d.SenderID,
		Content:         d.Content,
		MessageType:     model.MessageType(d.MessageType),
		ParentMessageID: d.ParentMessageID,
		BranchLevel:     d.BranchLevel,
		BranchPath:      d.BranchPath,
		IsBranchRoot:    d.IsBranchRoot,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		DeletedAt:       d.DeletedAt,
	}
}

func fromModel(m *model.Message) messageDoc {
	return messageDoc{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		MessageType:     string(m.MessageType),
		ParentMessageID: m.ParentMessageID,
		BranchLevel:     m.BranchLevel,
		BranchPath:      m.BranchPath,
		IsBranchRoot:    m.IsBranchRoot,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		DeletedAt:       m.DeletedAt,
	}
}

type MessageStore struct {
	coll *mongo.Collection
}

func NewMessageStore(client *mongo.Client, database string) *MessageStore {
	return &MessageStore{coll: client.Database(database).Collection(messagesCollection)}
}

// EnsureIndexes creates the indexes the traversal queries rely on.
func (s *MessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "parent_message_id", Value: 1}}},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "is_branch_root", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("docstore.EnsureIndexes: %w", err)
	}
	return nil
}

func live(chatID string) bson.D {
	return bson.D{{Key: "chat_id", Value: chatID}, {Key: "deleted_at", Value: nil}}
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("docstore.Create", time.Now())()
	if m.ParentMessageID != nil {
		parent, err := s.GetByID(ctx, m.ChatID, *m.ParentMessageID)
		if err != nil {
			return err
		}
		m.BranchLevel, m.BranchPath = model.ChildBranchPos(parent.BranchLevel, parent.BranchPath)
	} else {
		m.BranchLevel, m.BranchPath = 0, ""
	}
	if _, err := s.coll.InsertOne(ctx, fromModel(m)); err != nil {
		return fmt.Errorf("docstore.Create: %w", err)
	}
	return nil
}

func (s *MessageStore) GetByID(ctx context.Context, chatID, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetByID", time.Now())()
	filter := append(bson.D{{Key: "_id", Value: id}}, live(chatID)...)
	var d messageDoc
	err := s.coll.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.GetByID: %w", err)
	}
	m := d.toModel()
	return &m, nil
}

// GetChatMessages returns a page of root messages, newest first, each with
// its direct replies attached oldest first.
func (s *MessageStore) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetChatMessages", time.Now())()
	filter := append(bson.D{{Key: "parent_message_id", Value: nil}}, live(chatID)...)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	roots, err := s.find(ctx, "GetChatMessages", filter, opts)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return roots, nil
	}

	ids := make([]string, len(roots))
	for i := range roots {
		ids[i] = roots[i].ID
	}
	childFilter := append(bson.D{{Key: "parent_message_id", Value: bson.D{{Key: "$in", Value: ids}}}}, live(chatID)...)
	children, err := s.find(ctx, "GetChatMessages children", childFilter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]model.Message, len(roots))
	for _, c := range children {
		byParent[*c.ParentMessageID] = append(byParent[*c.ParentMessageID], c)
	}
	for i := range roots {
		roots[i].ThreadMessages = byParent[roots[i].ID]
	}
	return roots, nil
}

// GetMessageThread returns every transitive descendant of the message,
// collected breadth first over parent pointers.
func (s *MessageStore) GetMessageThread(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetMessageThread", time.Now())()
	if _, err := s.GetByID(ctx, chatID, messageID); err != nil {
		return nil, err
	}
	return s.descendants(ctx, chatID, messageID)
}

func (s *MessageStore) descendants(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	var out []model.Message
	frontier := []string{messageID}
	for len(frontier) > 0 {
		filter := append(bson.D{{Key: "parent_message_id", Value: bson.D{{Key: "$in", Value: frontier}}}}, live(chatID)...)
		level, err := s.find(ctx, "descendants", filter,
			options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
		if err != nil {
			return nil, err
		}
		if len(level) == 0 {
			break
		}
		frontier = frontier[:0]
		for _, m := range level {
			out = append(out, m)
			frontier = append(frontier, m.ID)
		}
	}
	sortTree(out)
	return out, nil
}

// GetBranchTree returns the message and everything below it.
func (s *MessageStore) GetBranchTree(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetBranchTree", time.Now())()
	target, err := s.GetByID(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	below, err := s.descendants(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	return append([]model.Message{*target}, below...), nil
}

// GetMessageBranch returns the message and its direct replies, oldest first.
func (s *MessageStore) GetMessageBranch(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetMessageBranch", time.Now())()
	target, err := s.GetByID(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	filter := append(bson.D{{Key: "parent_message_id", Value: messageID}}, live(chatID)...)
	children, err := s.find(ctx, "GetMessageBranch", filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return append([]model.Message{*target}, children...), nil
}

func (s *MessageStore) GetChatBranches(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetChatBranches", time.Now())()
	filter := append(bson.D{{Key: "parent_message_id", Value: nil}}, live(chatID)...)
	return s.find(ctx, "GetChatBranches", filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(limit)))
}

func (s *MessageStore) GetActiveBranches(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("docstore.GetActiveBranches", time.Now())()
	filter := append(bson.D{{Key: "is_branch_root", Value: true}}, live(chatID)...)
	return s.find(ctx, "GetActiveBranches", filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (s *MessageStore) UpdateContent(ctx context.Context, chatID, id, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("docstore.UpdateContent", time.Now())()
	filter := append(bson.D{{Key: "_id", Value: id}}, live(chatID)...)
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "content", Value: content},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	var d messageDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.UpdateContent: %w", err)
	}
	m := d.toModel()
	return &m, nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, chatID, id string) error {
	defer logger.DeferLogDuration("docstore.SoftDelete", time.Now())()
	filter := append(bson.D{{Key: "_id", Value: id}}, live(chatID)...)
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "deleted_at", Value: now},
		{Key: "updated_at", Value: now},
	}}})
	if err != nil {
		return fmt.Errorf("docstore.SoftDelete: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *MessageStore) find(ctx context.Context, op string, filter bson.D, opts *options.FindOptionsBuilder) ([]model.Message, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("docstore.%s find: %w", op, err)
	}
	defer cur.Close(ctx)

	messages := make([]model.Message, 0, 16)
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("docstore.%s decode: %w", op, err)
		}
		messages = append(messages, d.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("docstore.%s cursor: %w", op, err)
	}
	return messages, nil
}

// sortTree orders traversal output the same way the SQL store does:
// by branch path first, then by creation time.
func sortTree(ms []model.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].BranchPath != ms[j].BranchPath {
			return ms[i].BranchPath < ms[j].BranchPath
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}
