// Package dynamo provides the DynamoDB persistence backend. Every table is
// created on startup when missing, so a fresh AWS account or a local
// DynamoDB container works without manual provisioning.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
)

var (
	timeNow = time.Now

	loadDefaultAWSConfig = config.LoadDefaultConfig

	newClientFromConfig = func(cfg aws.Config, optFns ...func(*dynamodb.Options)) *dynamodb.Client {
		return dynamodb.NewFromConfig(cfg, optFns...)
	}
)

// api is the slice of the DynamoDB client the backend actually uses.
type api interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config carries the connection settings. Endpoint is optional and points
// local development at a DynamoDB container.
type Config struct {
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string
	TablePrefix string
}

type Database struct {
	client api
	prefix string
}

func NewDatabase(client api, tablePrefix string) *Database {
	return &Database{client: client, prefix: tablePrefix}
}

func (r *Database) table(name string) *string {
	return aws.String(r.prefix + name)
}

type userItem struct {
	Username    string         `dynamodbav:"username"`
	HashVersion string         `dynamodbav:"hash_version"`
	Salt        string         `dynamodbav:"salt"`
	Hash        string         `dynamodbav:"hash"`
	OwnerID     string         `dynamodbav:"owner_id"`
	Admin       bool           `dynamodbav:"admin"`
	Meta        map[string]any `dynamodbav:"meta,omitempty"`
}

type attemptsItem struct {
	Username    string `dynamodbav:"username"`
	Attempts    int64  `dynamodbav:"attempts"`
	LastAttempt int64  `dynamodbav:"last_attempt"`
}

type jwtKeyItem struct {
	Group string `dynamodbav:"key_group"`
	Seq   int64  `dynamodbav:"seq"`
	Key   string `dynamodbav:"key"`
}

type fileItem struct {
	Path     string         `dynamodbav:"path"`
	Folder   string         `dynamodbav:"folder"`
	Name     string         `dynamodbav:"name"`
	Owner    string         `dynamodbav:"owner"`
	RealName string         `dynamodbav:"real_name"`
	Meta     map[string]any `dynamodbav:"meta,omitempty"`
}

// jwtKeyGroup is the single partition all signing keys live in; the seq sort
// key preserves append order.
const jwtKeyGroup = "all"

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

func (r *Database) putItem(ctx context.Context, table *string, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshalling item: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: table, Item: av})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) getItem(ctx context.Context, table *string, key map[string]types.AttributeValue, out any) error {
	res, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: table, Key: key})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if len(res.Item) == 0 {
		return common.ErrorNotFound
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return fmt.Errorf("unmarshalling item: %w", err)
	}
	return nil
}

func (r *Database) deleteItem(ctx context.Context, table *string, key map[string]types.AttributeValue) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: table, Key: key})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) AddUser(ctx context.Context, user *models.User) error {
	return r.putItem(ctx, r.table("users"), userItem{
		Username:    user.Username,
		HashVersion: user.HashVersion,
		Salt:        user.Salt,
		Hash:        user.Hash,
		OwnerID:     user.OwnerID,
		Admin:       user.Admin,
		Meta:        user.Meta,
	})
}

func (r *Database) GetUser(ctx context.Context, username string) (*models.User, error) {
	var item userItem
	if err := r.getItem(ctx, r.table("users"), stringKey("username", username), &item); err != nil {
		return nil, err
	}
	return &models.User{
		Username:    item.Username,
		HashVersion: item.HashVersion,
		Salt:        item.Salt,
		Hash:        item.Hash,
		OwnerID:     item.OwnerID,
		Admin:       item.Admin,
		Meta:        item.Meta,
	}, nil
}

func (r *Database) UserExists(ctx context.Context, username string) (bool, error) {
	_, err := r.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ChangeUsername re-keys the item: DynamoDB cannot update a partition key in
// place.
func (r *Database) ChangeUsername(ctx context.Context, oldUsername, newUsername string) error {
	user, err := r.GetUser(ctx, oldUsername)
	if err != nil {
		return err
	}
	user.Username = newUsername
	if err := r.AddUser(ctx, user); err != nil {
		return err
	}
	return r.deleteItem(ctx, r.table("users"), stringKey("username", oldUsername))
}

func (r *Database) updateUser(ctx context.Context, username, expr string,
	names map[string]string, values map[string]types.AttributeValue) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 r.table("users"),
		Key:                       stringKey("username", username),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) UpdateHash(ctx context.Context, username, hashVersion, salt, hash string) error {
	return r.updateUser(ctx, username,
		"SET hash_version = :v, salt = :s, #h = :h",
		map[string]string{"#h": "hash"},
		map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: hashVersion},
			":s": &types.AttributeValueMemberS{Value: salt},
			":h": &types.AttributeValueMemberS{Value: hash},
		})
}

func (r *Database) SetAdmin(ctx context.Context, username string, admin bool) error {
	return r.updateUser(ctx, username,
		"SET admin = :a", nil,
		map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberBOOL{Value: admin},
		})
}

func (r *Database) ModifyUserMeta(ctx context.Context, username string, meta map[string]any) error {
	av, err := attributevalue.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling meta: %w", err)
	}
	return r.updateUser(ctx, username,
		"SET meta = :m", nil,
		map[string]types.AttributeValue{":m": av})
}

func (r *Database) RemoveUser(ctx context.Context, username string) error {
	return r.deleteItem(ctx, r.table("users"), stringKey("username", username))
}

// CountLoginAttempt relies on the ADD action, so concurrent failures each
// land as their own increment.
func (r *Database) CountLoginAttempt(ctx context.Context, username string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        r.table("failed_login_attempts"),
		Key:              stringKey("username", username),
		UpdateExpression: aws.String("ADD attempts :one SET last_attempt = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":t":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", timeNow().UnixMilli())},
		},
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) UpdateLastLoginAttempt(ctx context.Context, username string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        r.table("failed_login_attempts"),
		Key:              stringKey("username", username),
		UpdateExpression: aws.String("SET last_attempt = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", timeNow().UnixMilli())},
		},
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) GetLoginAttempts(ctx context.Context, username string) (*models.FailedLoginAttempts, error) {
	var item attemptsItem
	err := r.getItem(ctx, r.table("failed_login_attempts"), stringKey("username", username), &item)
	if err != nil {
		return nil, err
	}
	return &models.FailedLoginAttempts{
		Username:    item.Username,
		Attempts:    item.Attempts,
		LastAttempt: time.UnixMilli(item.LastAttempt),
	}, nil
}

func (r *Database) RemoveLoginAttempts(ctx context.Context, username string) error {
	return r.deleteItem(ctx, r.table("failed_login_attempts"), stringKey("username", username))
}

func (r *Database) AddJwtKeys(ctx context.Context, keys ...string) error {
	for i, key := range keys {
		item := jwtKeyItem{
			Group: jwtKeyGroup,
			Seq:   timeNow().UnixNano() + int64(i),
			Key:   key,
		}
		if err := r.putItem(ctx, r.table("jwt_keys"), item); err != nil {
			return err
		}
	}
	return nil
}

func (r *Database) GetJwtKeys(ctx context.Context) ([]string, error) {
	res, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              r.table("jwt_keys"),
		KeyConditionExpression: aws.String("key_group = :g"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":g": &types.AttributeValueMemberS{Value: jwtKeyGroup},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	var keys []string
	for _, raw := range res.Items {
		var item jwtKeyItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshalling item: %w", err)
		}
		keys = append(keys, item.Key)
	}
	return keys, nil
}

func (r *Database) AddFile(ctx context.Context, file *models.File) error {
	return r.putItem(ctx, r.table("files"), fileItem{
		Path:     file.Path,
		Folder:   file.Folder,
		Name:     file.Name,
		Owner:    file.Owner,
		RealName: file.RealName,
		Meta:     file.Meta,
	})
}

func (r *Database) GetFile(ctx context.Context, path string) (*models.File, error) {
	var item fileItem
	if err := r.getItem(ctx, r.table("files"), stringKey("path", path), &item); err != nil {
		return nil, err
	}
	return &models.File{
		Path:     item.Path,
		Folder:   item.Folder,
		Name:     item.Name,
		Owner:    item.Owner,
		RealName: item.RealName,
		Meta:     item.Meta,
	}, nil
}

func (r *Database) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := r.GetFile(ctx, path)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Database) MoveFile(ctx context.Context, oldPath, newPath string) error {
	file, err := r.GetFile(ctx, oldPath)
	if err != nil {
		return err
	}
	file.Path = newPath
	file.Folder, file.Name = splitPath(newPath)
	if err := r.AddFile(ctx, file); err != nil {
		return err
	}
	return r.deleteItem(ctx, r.table("files"), stringKey("path", oldPath))
}

func (r *Database) ModifyFileMeta(ctx context.Context, path string, meta map[string]any) error {
	av, err := attributevalue.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling meta: %w", err)
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 r.table("files"),
		Key:                       stringKey("path", path),
		UpdateExpression:          aws.String("SET meta = :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":m": av},
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) RemoveFile(ctx context.Context, path string) error {
	return r.deleteItem(ctx, r.table("files"), stringKey("path", path))
}

func (r *Database) ListFilesInFolder(ctx context.Context, folder string) ([]string, error) {
	folder = strings.TrimRight(folder, "/")
	res, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              r.table("files"),
		IndexName:              aws.String("folder-index"),
		KeyConditionExpression: aws.String("folder = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f": &types.AttributeValueMemberS{Value: folder},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	names := []string{}
	for _, raw := range res.Items {
		var item fileItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshalling item: %w", err)
		}
		names = append(names, item.Name)
	}
	sort.Strings(names)
	return names, nil
}

func splitPath(path string) (folder, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Manager owns the DynamoDB client and provisions missing tables once at
// startup.
type Manager struct {
	db *Database
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config error: %w", err)
	}

	client := newClientFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	m := &Manager{db: NewDatabase(client, cfg.TablePrefix)}
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	r := m.db

	tables := []*dynamodb.CreateTableInput{
		{
			TableName: r.table("users"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("username"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("username"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: r.table("failed_login_attempts"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("username"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("username"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: r.table("jwt_keys"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("key_group"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("seq"), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("key_group"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("seq"), AttributeType: types.ScalarAttributeTypeN},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: r.table("files"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("path"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("path"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("folder"), AttributeType: types.ScalarAttributeTypeS},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String("folder-index"),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String("folder"), KeyType: types.KeyTypeHash},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}

	for _, in := range tables {
		_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName})
		if err == nil {
			continue
		}
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := r.client.CreateTable(ctx, in); err != nil {
			return fmt.Errorf("creating table %s: %w", *in.TableName, err)
		}
	}
	return nil
}

func (m *Manager) Acquire(ctx context.Context) (storage.Database, error) {
	return m.db, nil
}

func (m *Manager) Release(ctx context.Context, db storage.Database) error {
	return nil
}

func (m *Manager) Close(ctx context.Context) error {
	return nil
}
