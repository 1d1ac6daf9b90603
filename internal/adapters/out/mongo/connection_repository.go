package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
)

// 会话集合名
const SessionsCollection = "usersSessions"

// sessionDoc 用户会话文档
type sessionDoc struct {
	ID          string          `bson:"_id"`
	Connections []connectionDoc `bson:"connections"`
}

type connectionDoc struct {
	ID         string    `bson:"id"`
	InstanceID string    `bson:"instanceId"`
	Status     string    `bson:"status"`
	CreatedAt  time.Time `bson:"_createdAt"`
	UpdatedAt  time.Time `bson:"_updatedAt"`
}

func toConnectionDoc(c entity.Connection) connectionDoc {
	return connectionDoc{
		ID:         c.ID,
		InstanceID: c.NodeID,
		Status:     c.Status.String(),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func (d connectionDoc) toEntity() entity.Connection {
	status, err := entity.ParsePresenceStatus(d.Status)
	if err != nil {
		status = entity.PresenceStatusOffline
	}
	return entity.Connection{
		ID:        d.ID,
		NodeID:    d.InstanceID,
		Status:    status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// connectionsOnNode 过滤出属于某节点的连接
func (d sessionDoc) connectionsOnNode(nodeID string) []entity.Connection {
	var conns []entity.Connection
	for _, c := range d.Connections {
		if c.InstanceID == nodeID {
			conns = append(conns, c.toEntity())
		}
	}
	return conns
}

func (d sessionDoc) toSet() *entity.UserConnectionSet {
	conns := make([]entity.Connection, 0, len(d.Connections))
	for _, c := range d.Connections {
		conns = append(conns, c.toEntity())
	}
	return entity.NewUserConnectionSet(d.ID, conns)
}

// ConnectionRepositoryMongo MongoDB连接仓储实现，一个用户一个文档
type ConnectionRepositoryMongo struct {
	col *mongo.Collection
}

func NewConnectionRepositoryMongo(db *mongo.Database) out.ConnectionRepository {
	return &ConnectionRepositoryMongo{col: db.Collection(SessionsCollection)}
}

// EnsureIndexes 创建按连接 ID 和节点查询所需的索引
func (r *ConnectionRepositoryMongo) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "connections.id", Value: 1}}},
		{Keys: bson.D{{Key: "connections.instanceId", Value: 1}}},
	})
	return err
}

func (r *ConnectionRepositoryMongo) AddConnection(ctx context.Context, userID string, conn entity.Connection) (string, error) {
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	// 连接 ID 全局唯一，先从其他用户下摘除
	prevOwner, err := r.pullFromOwner(ctx,
		bson.M{"_id": bson.M{"$ne": userID}, "connections.id": conn.ID},
		bson.M{"connections": bson.M{"id": conn.ID}},
	)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < 2; attempt++ {
		// 已存在则原地更新
		res, err := r.col.UpdateOne(ctx,
			bson.M{"_id": userID, "connections.id": conn.ID},
			bson.M{"$set": bson.M{
				"connections.$.instanceId": conn.NodeID,
				"connections.$.status":     conn.Status.String(),
				"connections.$._updatedAt": conn.UpdatedAt,
			}},
		)
		if err != nil {
			return "", err
		}
		if res.MatchedCount > 0 {
			return prevOwner, nil
		}

		_, err = r.col.UpdateOne(ctx,
			bson.M{"_id": userID, "connections.id": bson.M{"$ne": conn.ID}},
			bson.M{"$push": bson.M{"connections": toConnectionDoc(conn)}},
			options.Update().SetUpsert(true),
		)
		// 并发插入同一连接时 upsert 会撞主键，回到原地更新
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return prevOwner, nil
	}
	return prevOwner, nil
}

// pullFromOwner 从匹配的文档中删除连接，返回文档 ID，没有匹配时返回空
func (r *ConnectionRepositoryMongo) pullFromOwner(ctx context.Context, filter, pull bson.M) (string, error) {
	var doc struct {
		ID string `bson:"_id"`
	}
	err := r.col.FindOneAndUpdate(ctx, filter,
		bson.M{"$pull": pull},
		options.FindOneAndUpdate().SetProjection(bson.M{"_id": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	return doc.ID, err
}

func (r *ConnectionRepositoryMongo) RemoveConnection(ctx context.Context, connectionID string) (string, bool, error) {
	owner, err := r.pullFromOwner(ctx,
		bson.M{"connections.id": connectionID},
		bson.M{"connections": bson.M{"id": connectionID}},
	)
	if err != nil || owner == "" {
		return "", false, err
	}
	return owner, true, nil
}

func (r *ConnectionRepositoryMongo) SetConnectionStatus(ctx context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{
			"_id": userID,
			"connections": bson.M{"$elemMatch": bson.M{
				"id":     connectionID,
				"status": bson.M{"$ne": status.String()},
			}},
		},
		bson.M{"$set": bson.M{
			"connections.$.status":     status.String(),
			"connections.$._updatedAt": time.Now(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *ConnectionRepositoryMongo) FindConnections(ctx context.Context, userID string) (*entity.UserConnectionSet, error) {
	var doc sessionDoc
	err := r.col.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.NewUserConnectionSet(userID, nil), nil
		}
		return nil, err
	}
	return doc.toSet(), nil
}

func (r *ConnectionRepositoryMongo) FindConnectionsByNode(ctx context.Context, nodeID string) (map[string]*entity.UserConnectionSet, error) {
	docs, err := r.findDocs(ctx, bson.M{"connections.instanceId": nodeID})
	if err != nil {
		return nil, err
	}

	result := make(map[string]*entity.UserConnectionSet, len(docs))
	for _, d := range docs {
		if conns := d.connectionsOnNode(nodeID); len(conns) > 0 {
			result[d.ID] = entity.NewUserConnectionSet(d.ID, conns)
		}
	}
	return result, nil
}

// RemoveConnectionsByNode 逐个文档删除，删除数量按更新前的文档计算
func (r *ConnectionRepositoryMongo) RemoveConnectionsByNode(ctx context.Context, nodeID string) (int64, []string, error) {
	onNode := bson.M{"connections.instanceId": nodeID}
	docs, err := r.findDocs(ctx, onNode, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, nil, err
	}

	return r.pullEach(ctx, docs, onNode,
		bson.M{"connections": bson.M{"instanceId": nodeID}},
		func(c connectionDoc) bool { return c.InstanceID == nodeID },
	)
}

func (r *ConnectionRepositoryMongo) RemoveConnectionsNotInNodes(ctx context.Context, liveNodeIDs []string) ([]string, int64, error) {
	live := liveNodeIDs
	if live == nil {
		live = []string{}
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	filter := notInNodesFilter(live)
	docs, err := r.findDocs(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, 0, err
	}

	removed, users, err := r.pullEach(ctx, docs, filter,
		bson.M{"connections": bson.M{"instanceId": bson.M{"$nin": live}}},
		func(c connectionDoc) bool {
			_, ok := liveSet[c.InstanceID]
			return !ok
		},
	)
	return users, removed, err
}

// pullEach 对每个文档单独执行 $pull，只统计真正被删除过连接的用户
func (r *ConnectionRepositoryMongo) pullEach(ctx context.Context, docs []sessionDoc, filter, pull bson.M, match func(connectionDoc) bool) (int64, []string, error) {
	var total int64
	users := make([]string, 0, len(docs))
	for _, d := range docs {
		docFilter := bson.M{"_id": d.ID}
		for k, v := range filter {
			docFilter[k] = v
		}

		var before sessionDoc
		err := r.col.FindOneAndUpdate(ctx, docFilter,
			bson.M{"$pull": pull},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&before)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}

		var n int64
		for _, c := range before.Connections {
			if match(c) {
				n++
			}
		}
		if n > 0 {
			total += n
			users = append(users, d.ID)
		}
	}
	sort.Strings(users)
	return total, users, nil
}

// notInNodesFilter 匹配至少有一个连接不在存活节点上的文档
func notInNodesFilter(live []string) bson.M {
	return bson.M{"connections": bson.M{"$elemMatch": bson.M{
		"instanceId": bson.M{"$exists": true, "$nin": live},
	}}}
}

func (r *ConnectionRepositoryMongo) findDocs(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]sessionDoc, error) {
	cur, err := r.col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Connect 建立 MongoDB 连接并检查可用性
func Connect(ctx context.Context, uri, database string, minPool, maxPool uint64) (*mongo.Client, *mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMinPoolSize(minPool).
		SetMaxPoolSize(maxPool)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client, client.Database(database), nil
}
