package common

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ResponseSuccess 返回成功响应
func ResponseSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse(data))
}

// ResponseCreated 返回创建成功响应（201）
func ResponseCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, SuccessResponse(data))
}

// ResponseList 返回分页列表响应
func ResponseList(c *gin.Context, items any, total int64, req PaginationRequest) {
	c.JSON(http.StatusOK, SuccessResponse(ListResponse{
		Items:      items,
		Pagination: NewPaginationMeta(req.Page, req.GetPageSize(), total),
	}))
}

// ResponseError 返回错误响应，HTTP 状态由业务码决定
func ResponseError(c *gin.Context, code int, message string) {
	if message == "" {
		message = GetErrorMessage(code)
	}
	c.JSON(HTTPStatusOf(code), ErrorResponse(code, message))
}

// ResponseErr 根据错误类型自动选择业务码
func ResponseErr(c *gin.Context, err error) {
	ResponseError(c, CodeOf(err), err.Error())
}

// ResponseBadRequest 返回参数错误响应
func ResponseBadRequest(c *gin.Context, message string) {
	ResponseError(c, CodeInvalidRequest, message)
}

// ResponseUnauthorized 返回未认证响应
func ResponseUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "未认证，请先登录"
	}
	ResponseError(c, CodeUnauthorized, message)
}

// AbortWithError 中断并返回错误
func AbortWithError(c *gin.Context, code int, message string) {
	ResponseError(c, code, message)
	c.Abort()
}

// BindDateRange 解析 start/end 查询参数，支持 RFC3339 与 2006-01-02，
// 仅给出日期的 end 包含当天全部时间
func BindDateRange(c *gin.Context) (DateRange, error) {
	return ParseDateRange(c.Query("start"), c.Query("end"))
}

// ParseDateRange 解析时间区间，空字符串表示不限
func ParseDateRange(start, end string) (DateRange, error) {
	var r DateRange
	var err error
	if start != "" {
		if r.Start, err = parseTime(start, false); err != nil {
			return r, &ValidationError{Invalid: []string{"start (" + err.Error() + ")"}}
		}
	}
	if end != "" {
		if r.End, err = parseTime(end, true); err != nil {
			return r, &ValidationError{Invalid: []string{"end (" + err.Error() + ")"}}
		}
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, &ValidationError{Invalid: []string{"end (早于 start)"}}
	}
	return r, nil
}

func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("时间格式错误: %s", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
