package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"vipreception/internal/camera"
	"vipreception/internal/ledger"
)

// DynamoDB シングルテーブル設計のキー
const (
	pkCameras      = "CAMERA"
	skCameraPrefix = "CAMERA#"
	pkAttendee     = "ATTENDEE#"
	pkCode         = "CODE#"
	skMeta         = "META"
	skAttendee     = "ATTENDEE"
	skVisitPrefix  = "VISIT#"
)

// DynamoAPI はDynamoStoreが使うDynamoDBクライアントの操作
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore はDynamoDBを使うStore実装
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

// Compile-time interface check.
var (
	_ Store     = (*DynamoStore)(nil)
	_ DynamoAPI = (*dynamodb.Client)(nil)
)

// NewDynamoStore は指定テーブルのDynamoStoreを作成する
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// cameraItem はカメラディスクリプタの永続化形式
type cameraItem struct {
	ID       string `dynamodbav:"id"`
	Name     string `dynamodbav:"name"`
	Source   string `dynamodbav:"source"`
	Location string `dynamodbav:"location"`
	FPS      int    `dynamodbav:"fps"`
	Width    int    `dynamodbav:"width"`
	Height   int    `dynamodbav:"height"`
	Active   bool   `dynamodbav:"active"`
}

func (c cameraItem) descriptor() camera.Descriptor {
	return camera.Descriptor{
		ID: c.ID, Name: c.Name, Source: c.Source, Location: c.Location,
		FPS: c.FPS, Width: c.Width, Height: c.Height, Active: c.Active,
	}
}

// codeItem はコード文字列から来場者IDへの対応
type codeItem struct {
	AttendeeID int64 `dynamodbav:"attendee_id"`
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func attendeePK(id int64) string {
	return pkAttendee + strconv.FormatInt(id, 10)
}

// putItem はドメインオブジェクトをPK/SK付きで書き込む
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem は1件読み取ってoutに展開する。存在しなければfalseを返す
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       keyOf(pk, sk),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// --- カメラ ---

func (s *DynamoStore) Camera(ctx context.Context, id string) (camera.Descriptor, error) {
	var item cameraItem
	found, err := s.getItem(ctx, pkCameras, skCameraPrefix+id, &item)
	if err != nil {
		return camera.Descriptor{}, err
	}
	if !found {
		return camera.Descriptor{}, fmt.Errorf("カメラ %s: %w", id, ErrNotFound)
	}
	return item.descriptor(), nil
}

func (s *DynamoStore) Cameras(ctx context.Context) ([]camera.Descriptor, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pkCameras},
			":skPrefix": &types.AttributeValueMemberS{Value: skCameraPrefix},
		},
	}

	var list []camera.Descriptor
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pkCameras, err)
		}
		var items []cameraItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal cameras: %w", err)
		}
		for _, it := range items {
			list = append(list, it.descriptor())
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *DynamoStore) UpdateCameraSource(ctx context.Context, id, source string) (camera.Descriptor, error) {
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(pkCameras, skCameraPrefix+id),
		UpdateExpression:    aws.String("SET #src = :src"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#src": "source", // "source" is a DynamoDB reserved word
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":src": &types.AttributeValueMemberS{Value: source},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return camera.Descriptor{}, fmt.Errorf("カメラ %s: %w", id, ErrNotFound)
		}
		return camera.Descriptor{}, fmt.Errorf("update camera source %s: %w", id, err)
	}

	var item cameraItem
	if err := attributevalue.UnmarshalMap(result.Attributes, &item); err != nil {
		return camera.Descriptor{}, fmt.Errorf("unmarshal camera %s: %w", id, err)
	}
	log.Debug().Str("camera_id", id).Str("source", source).Msg("カメラのソースを更新しました")
	return item.descriptor(), nil
}

func (s *DynamoStore) PutCamera(ctx context.Context, desc camera.Descriptor) error {
	item := cameraItem{
		ID: desc.ID, Name: desc.Name, Source: desc.Source, Location: desc.Location,
		FPS: desc.FPS, Width: desc.Width, Height: desc.Height, Active: desc.Active,
	}
	if err := s.putItem(ctx, pkCameras, skCameraPrefix+desc.ID, item); err != nil {
		return fmt.Errorf("put camera %s: %w", desc.ID, err)
	}
	return nil
}

// --- 来場者 ---

func (s *DynamoStore) PutAttendee(ctx context.Context, a Attendee) error {
	if err := s.putItem(ctx, attendeePK(a.ID), skMeta, a); err != nil {
		return fmt.Errorf("put attendee %d: %w", a.ID, err)
	}
	if a.QRCode != "" {
		if err := s.putItem(ctx, pkCode+a.QRCode, skAttendee, codeItem{AttendeeID: a.ID}); err != nil {
			return fmt.Errorf("put attendee code %d: %w", a.ID, err)
		}
	}
	return nil
}

func (s *DynamoStore) SubjectByCode(ctx context.Context, code string) (int64, bool, error) {
	var item codeItem
	found, err := s.getItem(ctx, pkCode+code, skAttendee, &item)
	if err != nil {
		return 0, false, err
	}
	return item.AttendeeID, found, nil
}

func (s *DynamoStore) UpdateAttendeeStatus(ctx context.Context, id int64, status string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(attendeePK(id), skMeta),
		UpdateExpression:    aws.String("SET #s = :s"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // "status" is a DynamoDB reserved word
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: status},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("来場者 %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("update attendee status %d -> %s: %w", id, status, err)
	}
	return nil
}

// --- 来場記録 ---

// CreateVisit は来場者のパーティションに来場記録を追加する
func (s *DynamoStore) CreateVisit(ctx context.Context, visit ledger.VisitRecord) error {
	sk := skVisitPrefix + visit.CheckInAt.UTC().Format(time.RFC3339Nano) + "#" + visit.ID
	if err := s.putItem(ctx, attendeePK(visit.SubjectID), sk, visit); err != nil {
		return fmt.Errorf("put visit %s: %w", visit.ID, err)
	}
	log.Debug().Str("visit_id", visit.ID).Int64("subject_id", visit.SubjectID).Msg("来場記録をDynamoDBに保存しました")
	return nil
}
