package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

// maxTransactItems is the DynamoDB TransactWriteItems limit
const maxTransactItems = config.DynamoDBMaxBatch

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client       dynamodbiface.DynamoDBAPI
	tableName    string
	stagingTable string
	usersTable   string
	statusTable  string
}

type stagedItem struct {
	RunID string `dynamodbav:"run_id"`
	models.Post
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	storage := newDynamoDBStorage(dynamodb.New(sess), cfg.TableName)

	// Create tables if they don't exist (for local testing)
	if err := storage.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure tables exist: %w", err)
	}

	return storage, nil
}

func newDynamoDBStorage(client dynamodbiface.DynamoDBAPI, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:       client,
		tableName:    tableName,
		stagingTable: tableName + "_staging",
		usersTable:   tableName + "_users",
		statusTable:  tableName + "_status",
	}
}

func (d *DynamoDBStorage) ensureTables() error {
	if err := d.ensureTable(d.tableName, "url", ""); err != nil {
		return err
	}
	if err := d.ensureTable(d.stagingTable, "run_id", "url"); err != nil {
		return err
	}
	if err := d.ensureTable(d.usersTable, "username", ""); err != nil {
		return err
	}
	return d.ensureTable(d.statusTable, "id", "")
}

// ensureTable creates a table with a string hash key and optional string
// range key if it doesn't exist
func (d *DynamoDBStorage) ensureTable(name, hashKey, rangeKey string) error {
	// Check if table exists
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}

	keys := []*dynamodb.KeySchemaElement{
		{AttributeName: aws.String(hashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
	}
	attrs := []*dynamodb.AttributeDefinition{
		{AttributeName: aws.String(hashKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
	}
	if rangeKey != "" {
		keys = append(keys, &dynamodb.KeySchemaElement{AttributeName: aws.String(rangeKey), KeyType: aws.String(dynamodb.KeyTypeRange)})
		attrs = append(attrs, &dynamodb.AttributeDefinition{AttributeName: aws.String(rangeKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)})
	}

	_, err = d.client.CreateTable(&dynamodb.CreateTableInput{
		TableName:            aws.String(name),
		KeySchema:            keys,
		AttributeDefinitions: attrs,
		BillingMode:          aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	// Wait for table to be created
	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

// stagedItems returns the items currently staged for runID
func (d *DynamoDBStorage) stagedItems(ctx context.Context, runID string) ([]stagedItem, error) {
	keyCond := expression.Key("run_id").Equal(expression.Value(runID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build staging query: %w", err)
	}

	var items []stagedItem
	var unmarshalErr error
	err = d.client.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.stagingTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		var batch []stagedItem
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			unmarshalErr = err
			return false
		}
		items = append(items, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query staging: %w", err)
	}
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal staging: %w", unmarshalErr)
	}
	return items, nil
}

// Stage replaces runID's staging items in a single transaction
func (d *DynamoDBStorage) Stage(ctx context.Context, runID string, posts []models.Post) error {
	existing, err := d.stagedItems(ctx, runID)
	if err != nil {
		return err
	}
	if len(existing)+len(posts) > maxTransactItems {
		return fmt.Errorf("%w: %d staged items", ErrBatchTooLarge, len(existing)+len(posts))
	}

	incoming := make(map[string]bool, len(posts))
	for _, p := range posts {
		incoming[p.URL] = true
	}

	writes := make([]*dynamodb.TransactWriteItem, 0, len(existing)+len(posts))
	for _, it := range existing {
		// a Put on the same key replaces it; one transaction may not touch
		// an item twice
		if incoming[it.URL] {
			continue
		}
		writes = append(writes, &dynamodb.TransactWriteItem{
			Delete: &dynamodb.Delete{
				TableName: aws.String(d.stagingTable),
				Key: map[string]*dynamodb.AttributeValue{
					"run_id": {S: aws.String(runID)},
					"url":    {S: aws.String(it.URL)},
				},
			},
		})
	}
	for _, p := range posts {
		item, err := dynamodbattribute.MarshalMap(stagedItem{RunID: runID, Post: p})
		if err != nil {
			return fmt.Errorf("failed to marshal post %s: %w", p.URL, err)
		}
		writes = append(writes, &dynamodb.TransactWriteItem{
			Put: &dynamodb.Put{TableName: aws.String(d.stagingTable), Item: item},
		})
	}
	if len(writes) == 0 {
		return nil
	}

	if _, err := d.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
		return fmt.Errorf("failed to write staging: %w", err)
	}
	return nil
}

// Reconcile applies every staged item to the posts table in one transaction
func (d *DynamoDBStorage) Reconcile(ctx context.Context, runID string) error {
	staged, err := d.stagedItems(ctx, runID)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return nil
	}
	if len(staged) > maxTransactItems {
		return fmt.Errorf("%w: %d staged items", ErrBatchTooLarge, len(staged))
	}

	writes := make([]*dynamodb.TransactWriteItem, 0, len(staged))
	for _, it := range staged {
		update, err := d.mergeUpdate(it.Post)
		if err != nil {
			return err
		}
		writes = append(writes, &dynamodb.TransactWriteItem{Update: update})
	}

	if _, err := d.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
		return fmt.Errorf("failed to merge staging into posts: %w", err)
	}
	return nil
}

// mergeUpdate always sets the refreshed fields and fills the others only
// when the item is new
func (d *DynamoDBStorage) mergeUpdate(p models.Post) (*dynamodb.Update, error) {
	update := expression.
		Set(expression.Name("score"), expression.Value(p.Score)).
		Set(expression.Name("approved"), expression.Value(p.Approved)).
		Set(expression.Name("added"), expression.Value(p.Added)).
		Set(expression.Name("audio_url"), expression.Value(p.AudioURL)).
		Set(expression.Name("title"), expression.IfNotExists(expression.Name("title"), expression.Value(p.Title))).
		Set(expression.Name("filename"), expression.IfNotExists(expression.Name("filename"), expression.Value(p.Filename))).
		Set(expression.Name("source"), expression.IfNotExists(expression.Name("source"), expression.Value(p.Source))).
		Set(expression.Name("type"), expression.IfNotExists(expression.Name("type"), expression.Value(p.Type))).
		Set(expression.Name("last_updated"), expression.IfNotExists(expression.Name("last_updated"), expression.Value(p.LastUpdated)))

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build merge for %s: %w", p.URL, err)
	}

	return &dynamodb.Update{
		TableName:                 aws.String(d.tableName),
		Key:                       map[string]*dynamodb.AttributeValue{"url": {S: aws.String(p.URL)}},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func (d *DynamoDBStorage) ClearStaging(ctx context.Context, runID string) error {
	staged, err := d.stagedItems(ctx, runID)
	if err != nil {
		return err
	}

	// BatchWriteItem takes at most 25 requests
	for start := 0; start < len(staged); start += 25 {
		end := start + 25
		if end > len(staged) {
			end = len(staged)
		}
		reqs := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, it := range staged[start:end] {
			reqs = append(reqs, &dynamodb.WriteRequest{DeleteRequest: &dynamodb.DeleteRequest{
				Key: map[string]*dynamodb.AttributeValue{
					"run_id": {S: aws.String(runID)},
					"url":    {S: aws.String(it.URL)},
				},
			}})
		}
		if _, err := d.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{d.stagingTable: reqs},
		}); err != nil {
			return fmt.Errorf("failed to clear staging: %w", err)
		}
	}
	return nil
}

func (d *DynamoDBStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	return d.scanPosts(ctx, nil, 0)
}

func (d *DynamoDBStorage) GetApprovedImagePost(ctx context.Context) (*models.Post, error) {
	cond := expression.Name("approved").Equal(expression.Value(true)).
		And(expression.Name("added").Equal(expression.Value(false))).
		And(expression.Name("type").Equal(expression.Value(models.MediaTypeImage)))

	posts, err := d.scanPosts(ctx, &cond, 1)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

func (d *DynamoDBStorage) ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error) {
	cond := expression.Or(
		expression.AttributeNotExists(expression.Name("approved")),
		expression.AttributeType(expression.Name("approved"), expression.Null),
	).And(expression.Name("type").Equal(expression.Value(models.MediaTypeImage)))

	return d.scanPosts(ctx, &cond, 0)
}

// scanPosts scans the posts table with an optional filter, stopping after
// limit matches when limit > 0
func (d *DynamoDBStorage) scanPosts(ctx context.Context, filter *expression.ConditionBuilder, limit int) ([]models.Post, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
	}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	posts := []models.Post{}
	var unmarshalErr error
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []models.Post
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			unmarshalErr = err
			return false
		}
		posts = append(posts, batch...)
		return limit <= 0 || len(posts) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan posts: %w", err)
	}
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal posts: %w", unmarshalErr)
	}
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (d *DynamoDBStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.usersTable),
		Key: map[string]*dynamodb.AttributeValue{
			"username": {S: aws.String(username)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var u models.User
	if err := dynamodbattribute.UnmarshalMap(result.Item, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail scans the users table; it is small and keyed by username
func (d *DynamoDBStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("email").Equal(expression.Value(email))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build user filter: %w", err)
	}

	var found *models.User
	var unmarshalErr error
	err = d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(d.usersTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		if len(page.Items) == 0 {
			return true
		}
		var u models.User
		if err := dynamodbattribute.UnmarshalMap(page.Items[0], &u); err != nil {
			unmarshalErr = err
			return false
		}
		found = &u
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", unmarshalErr)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// UpdateIngestionStatus updates the ingestion status
func (d *DynamoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}

	// Add a fixed key for the status record
	item["id"] = &dynamodb.AttributeValue{S: aws.String(statusKey)}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.statusTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (d *DynamoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.statusTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(statusKey)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}

	if result.Item == nil {
		// Return default status if not found
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}

	var status models.IngestionStatus
	if err := dynamodbattribute.UnmarshalMap(result.Item, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}
	return &status, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
