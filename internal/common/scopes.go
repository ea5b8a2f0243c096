package common

import "gorm.io/gorm"

// Paginate 应用分页条件
// 使用方法：db.Scopes(common.Paginate(req)).Find(&items)
func Paginate(req PaginationRequest) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(req.GetOffset()).Limit(req.GetPageSize())
	}
}

// ByStatus 按状态过滤，status 为空时不过滤
func ByStatus(status string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if status == "" {
			return db
		}
		return db.Where("status = ?", status)
	}
}

// ByField 按列等值过滤，value 为空时不过滤
// 使用方法：db.Scopes(common.ByField("resource_id", id)).Find(&items)
func ByField(column, value string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if value == "" {
			return db
		}
		return db.Where(column+" = ?", value)
	}
}

// InRange 按时间列过滤闭区间，零值端点不限
func InRange(column string, r DateRange) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if !r.Start.IsZero() {
			db = db.Where(column+" >= ?", r.Start.UTC())
		}
		if !r.End.IsZero() {
			db = db.Where(column+" <= ?", r.End.UTC())
		}
		return db
	}
}
