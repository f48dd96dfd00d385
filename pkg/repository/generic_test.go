package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ammar0144/gormattach/pkg/attach"
	"github.com/ammar0144/gormattach/pkg/db"
	"github.com/ammar0144/gormattach/pkg/redis"
)

type Customer struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func (Customer) TableName() string                 { return "customers" }
func (c Customer) GetPrimaryKeyValue() interface{} { return c.ID }

type LineItem struct {
	ID      uint `gorm:"primaryKey"`
	OrderID uint
	SKU     string
}

type Order struct {
	ID         uint `gorm:"primaryKey"`
	Note       string
	CustomerID uint
	Customer   *Customer
	LineItems  []*LineItem
}

func (Order) TableName() string                 { return "orders" }
func (o Order) GetPrimaryKeyValue() interface{} { return o.ID }

type fixture struct {
	mock  sqlmock.Sqlmock
	mr    *miniredis.Miniredis
	redis *redis.Manager
	repo  Repository[Order]
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	cfg := db.DefaultConfig()
	cfg.Database = "shop"
	dbManager, err := db.NewManagerWithDB(cfg, gdb)
	require.NoError(t, err)

	f := &fixture{mock: mock}
	if withCache {
		f.mr = miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		f.redis, err = redis.NewManagerWithClient(redis.DefaultConfig(), client)
		require.NoError(t, err)
	}

	f.repo, err = NewGenericRepository[Order](dbManager, f.redis, nil)
	require.NoError(t, err)
	return f
}

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "note", "customer_id"}).AddRow(7, "first", 5)
}

func TestFindByID_CacheFirst(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE `orders`.`id` = \\?").WillReturnRows(orderRows())

	first, err := f.repo.FindByID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "first", first.Note)

	second, err := f.repo.FindByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	assert.True(t, f.mr.Exists("gormattach:orders:shop:find_by_id:7"))
	members, err := f.mr.SMembers("gormattach:deps:customers:5")
	require.NoError(t, err)
	assert.Equal(t, []string{"gormattach:orders:shop:find_by_id:7"}, members)
}

func TestFindByID_NotFound(t *testing.T) {
	f := newFixture(t, true)

	f.mock.ExpectQuery("SELECT \\* FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "note", "customer_id"}))

	for i := 0; i < 2; i++ {
		order, err := f.repo.FindByID(context.Background(), 99)
		require.NoError(t, err)
		assert.Nil(t, order)
	}
	assert.True(t, f.mr.Exists("gormattach:orders:shop:find_by_id:99:null"))

	_, err := f.repo.FindByID(context.Background(), nil)
	assert.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindWhere_CachesPerCondition(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE note = \\?").
		WithArgs("first").
		WillReturnRows(orderRows())
	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE note = \\?").
		WithArgs("second").
		WillReturnRows(sqlmock.NewRows([]string{"id", "note", "customer_id"}))

	for i := 0; i < 2; i++ {
		orders, err := f.repo.FindWhere(ctx, "note = ?", "first")
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, uint(7), orders[0].ID)
	}

	orders, err := f.repo.FindWhere(ctx, "note = ?", "second")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWithoutCache_AlwaysQueries(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT count\\(\\*\\) FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	f.mock.ExpectQuery("SELECT count\\(\\*\\) FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	require.NoError(t, f.repo.InvalidateCache(ctx))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpsert_AttachesExistingCustomerAndInvalidates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT count\\(\\*\\) FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	_, err := f.repo.Count(ctx)
	require.NoError(t, err)
	require.True(t, f.mr.Exists("gormattach:orders:shop:count"))

	// a cached customer read that must not survive the write
	customerKey := f.redis.Key("customers", "shop", "find_by_id", "5")
	require.NoError(t, f.redis.SetValueWithDependencies(ctx, customerKey, Customer{ID: 5},
		map[string][]interface{}{"customers": {5}}))

	f.mock.ExpectQuery("SELECT count\\(\\*\\) FROM `customers` WHERE `customers`.`id` = \\?").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO `orders`").
		WithArgs("second", 5).
		WillReturnResult(sqlmock.NewResult(11, 1))
	f.mock.ExpectCommit()

	order := &Order{Note: "second", Customer: &Customer{ID: 5}}
	saved, err := f.repo.Upsert(ctx, order, func(o *Order) bool { return o.ID == 0 })
	require.NoError(t, err)
	assert.Same(t, order, saved)
	assert.Equal(t, uint(11), order.ID)
	assert.Equal(t, uint(5), order.CustomerID)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	assert.False(t, f.mr.Exists("gormattach:orders:shop:count"))
	assert.False(t, f.mr.Exists(customerKey))
}

func TestCreate_InsertsNewCustomerFirst(t *testing.T) {
	f := newFixture(t, false)

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO `customers`").
		WithArgs("Ada").
		WillReturnResult(sqlmock.NewResult(8, 1))
	f.mock.ExpectExec("INSERT INTO `orders`").
		WithArgs("first", 8).
		WillReturnResult(sqlmock.NewResult(12, 1))
	f.mock.ExpectCommit()

	order := &Order{Note: "first", Customer: &Customer{Name: "Ada"}}
	require.NoError(t, f.repo.Create(context.Background(), order))
	assert.Equal(t, uint(8), order.CustomerID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE `orders`.`id` = \\?").WillReturnRows(orderRows())
	f.mock.ExpectBegin()
	f.mock.ExpectExec("DELETE FROM `orders`").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	require.NoError(t, f.repo.Delete(ctx, 7))

	f.mock.ExpectQuery("SELECT \\* FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "note", "customer_id"}))
	require.NoError(t, f.repo.Delete(ctx, 8), "missing rows are a no-op")

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCommit_EmptySessionWritesNothing(t *testing.T) {
	f := newFixture(t, true)

	cs, err := f.repo.Commit(context.Background(), f.repo.NewSession())
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCommit_PersistsAddedRange(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	itemsKey := f.redis.Key("line_items", "shop", "count")
	require.NoError(t, f.redis.SetValue(ctx, itemsKey, 2))

	order := &Order{ID: 1}
	s := f.repo.NewSession()
	require.NoError(t, attach.AddRangeToNavigationProperty(s, order,
		[]*LineItem{{ID: 4}, {ID: 5}},
		func(li *LineItem) uint { return li.ID },
		func(o *Order) *[]*LineItem { return &o.LineItems }))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE `line_items` SET `order_id`=\\? WHERE `line_items`.`id` = \\?").
		WithArgs(1, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE `line_items` SET `order_id`=\\? WHERE `line_items`.`id` = \\?").
		WithArgs(1, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	cs, err := f.repo.Commit(ctx, s)
	require.NoError(t, err)
	require.Len(t, order.LineItems, 2)
	assert.Equal(t, uint(1), order.LineItems[0].OrderID)
	assert.Equal(t, uint(1), order.LineItems[1].OrderID)
	assert.Equal(t, []any{order.LineItems[0], order.LineItems[1]}, cs.Updated)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.False(t, f.mr.Exists(itemsKey))

	// already linked: nothing left to write
	cs, err = f.repo.Commit(ctx, s)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

type unnamed struct{ ID uint }

func (unnamed) TableName() string                 { return "" }
func (u unnamed) GetPrimaryKeyValue() interface{} { return u.ID }

func TestNewGenericRepository_Validation(t *testing.T) {
	_, err := NewGenericRepository[Order](nil, nil, nil)
	assert.Error(t, err)

	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	m, err := db.NewManagerWithDB(nil, gdb)
	require.NoError(t, err)

	_, err = NewGenericRepository[unnamed](m, nil, nil)
	assert.ErrorContains(t, err, "empty TableName")
}

type Region struct {
	ID uint `gorm:"primaryKey"`
}

type Shop struct {
	ID       uint `gorm:"primaryKey"`
	RegionID uint
	Region   *Region
}

type Sale struct {
	ID     uint `gorm:"primaryKey"`
	ShopID uint
	Shop   *Shop
}

func (Sale) TableName() string                 { return "sales" }
func (s Sale) GetPrimaryKeyValue() interface{} { return s.ID }

func TestRelated_FollowsLoadedTargets(t *testing.T) {
	f := newFixture(t, true)
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	m, err := db.NewManagerWithDB(nil, gdb)
	require.NoError(t, err)

	repo, err := NewGenericRepository[Sale](m, f.redis, nil)
	require.NoError(t, err)
	gr := repo.(*GenericRepository[Sale])

	sale := &Sale{ID: 1, ShopID: 2, Shop: &Shop{ID: 2, RegionID: 3}}
	ctx := context.Background()

	assert.Equal(t, []RelatedEntity{
		{EntityType: "shops", EntityID: uint(2)},
		{EntityType: "regions", EntityID: uint(3)},
	}, gr.related(ctx, sale, gr.schema))

	f.redis.Config().Invalidation.IgnoreRelationships = []string{"Region"}
	assert.Equal(t, []RelatedEntity{{EntityType: "shops", EntityID: uint(2)}}, gr.related(ctx, sale, gr.schema))

	f.redis.Config().Invalidation.IgnoreRelationships = nil
	f.redis.Config().Invalidation.MaxRelationshipDepth = 1
	assert.Equal(t, []RelatedEntity{{EntityType: "shops", EntityID: uint(2)}}, gr.related(ctx, sale, gr.schema))
}

type flagged struct {
	ID uint `gorm:"primaryKey"`
}

func (flagged) TableName() string                 { return "flagged" }
func (f flagged) GetPrimaryKeyValue() interface{} { return f.ID }
func (flagged) GetRelationships() map[string][]RelatedEntity {
	return map[string][]RelatedEntity{
		"belongs_to": {{EntityType: "owners", EntityID: 4}},
		"has_many":   {{EntityType: "notes"}},
	}
}

func TestRelated_RelationshipAware(t *testing.T) {
	f := newFixture(t, true)
	gr := f.repo.(*GenericRepository[Order])

	assert.Equal(t, []RelatedEntity{{EntityType: "owners", EntityID: 4}},
		gr.related(context.Background(), &flagged{ID: 1}, gr.schema))
}
