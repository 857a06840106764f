package server

import (
	"crypto/subtle"
	"errors"
	"image"
	"log/slog"
	"mime/multipart"

	"github.com/gin-gonic/gin"
	"github.com/krau/wdtagger/pipeline"
	"github.com/krau/wdtagger/processor"
	"github.com/krau/wdtagger/store"
	"github.com/krau/wdtagger/tags"
)

var (
	errUnauthorized = errors.New("unauthorized")
)

type PredictionResult struct {
	Filename      string             `json:"filename"`
	PredictedTags []string           `json:"predicted_tags"`
	Scores        map[string]float32 `json:"scores"`
	*pipeline.Result
}

func authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := authToken
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

func Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.POST("/predict", PredictHandler)
	r.GET("/tags", TagsHandler)
	r.GET("/results", ResultsHandler)
	r.DELETE("/results", DeleteResultHandler)
	r.GET("/health", HealthHandler)
	return r
}

// PredictHandler tags every image uploaded under the "file" field. A single upload
// answers with one result, several with {"results": [...]} in upload order.
func PredictHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}
	if tagger == nil {
		c.JSON(503, gin.H{"error": "模型未加载"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil || len(form.File["file"]) == 0 {
		c.JSON(400, gin.H{"error": "未上传文件"})
		return
	}
	headers := form.File["file"]

	imgs := make([]image.Image, 0, len(headers))
	for _, fh := range headers {
		img, err := decodeUpload(fh)
		if err != nil {
			slog.Warn("Failed to decode upload", slog.String("file", fh.Filename), slog.String("error", err.Error()))
			c.JSON(400, gin.H{"error": "无法解析图片", "file": fh.Filename})
			return
		}
		imgs = append(imgs, img)
	}

	resp := make([]*PredictionResult, 0, len(imgs))
	for start := 0; start < len(imgs); start += batchSize {
		end := min(start+batchSize, len(imgs))
		batch, err := tagger.PredictBatch(imgs[start:end])
		if err != nil {
			slog.Error("Prediction failed", slog.String("error", err.Error()))
			c.JSON(500, gin.H{"error": "推理失败"})
			return
		}
		for i, res := range batch {
			name := headers[start+i].Filename
			resp = append(resp, &PredictionResult{
				Filename:      name,
				PredictedTags: res.Tags(),
				Scores:        res.Scores(),
				Result:        res,
			})
			saveResult(c, name, res)
		}
	}

	if len(resp) == 1 {
		c.JSON(200, resp[0])
		return
	}
	c.JSON(200, gin.H{"results": resp})
}

func decodeUpload(fh *multipart.FileHeader) (image.Image, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return processor.Decode(file)
}

// thresholdSource reports how a tagger filters scores; *pipeline.Pipeline implements it.
type thresholdSource interface {
	Threshold() float32
	MCut() bool
}

func saveResult(c *gin.Context, name string, res *pipeline.Result) {
	if results == nil {
		return
	}
	rec := store.Record{Image: name, Model: modelID, Result: res}
	if ts, ok := tagger.(thresholdSource); ok {
		rec.Threshold = ts.Threshold()
		rec.MCut = ts.MCut()
	}
	if err := results.Save(c.Request.Context(), rec); err != nil {
		slog.Error("Failed to save result", slog.String("file", name), slog.String("error", err.Error()))
	}
}

// ResultsHandler returns stored results: the one of ?image= when given, otherwise every
// result of ?model= (default: the loaded model).
func ResultsHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}
	if results == nil {
		c.JSON(404, gin.H{"error": "未启用结果存储"})
		return
	}
	model := c.DefaultQuery("model", modelID)

	if file := c.Query("image"); file != "" {
		rec, err := results.Get(c.Request.Context(), file, model)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(404, gin.H{"error": "结果不存在"})
			return
		}
		if err != nil {
			slog.Error("Failed to read result", slog.String("error", err.Error()))
			c.JSON(500, gin.H{"error": "读取结果失败"})
			return
		}
		c.JSON(200, rec)
		return
	}

	recs, err := results.List(c.Request.Context(), model)
	if err != nil {
		slog.Error("Failed to list results", slog.String("error", err.Error()))
		c.JSON(500, gin.H{"error": "读取结果失败"})
		return
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	c.JSON(200, gin.H{"model": model, "results": recs})
}

func DeleteResultHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}
	if results == nil {
		c.JSON(404, gin.H{"error": "未启用结果存储"})
		return
	}
	file := c.Query("image")
	if file == "" {
		c.JSON(400, gin.H{"error": "缺少 image 参数"})
		return
	}
	err := results.Delete(c.Request.Context(), file, c.DefaultQuery("model", modelID))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(404, gin.H{"error": "结果不存在"})
		return
	}
	if err != nil {
		slog.Error("Failed to delete result", slog.String("error", err.Error()))
		c.JSON(500, gin.H{"error": "删除结果失败"})
		return
	}
	c.Status(204)
}

var categories = []tags.Category{tags.General, tags.Artist, tags.Copyright, tags.Character, tags.Meta, tags.Rating}

// TagsHandler lists the tag table of the loaded model, or only the names of one
// ?category= (general, character, rating, ...).
func TagsHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}
	rt, ok := tagger.(interface{ Registry() *tags.Registry })
	if !ok {
		c.JSON(503, gin.H{"error": "模型未加载"})
		return
	}
	reg := rt.Registry()

	name := c.Query("category")
	if name == "" {
		c.JSON(200, gin.H{"tags": reg.All()})
		return
	}
	for _, cat := range categories {
		if cat.String() == name {
			names := reg.Names(cat)
			if names == nil {
				names = []string{}
			}
			c.JSON(200, gin.H{"category": name, "tags": names})
			return
		}
	}
	c.JSON(400, gin.H{"error": "未知分类", "category": name})
}

func HealthHandler(c *gin.Context) {
	if tagger == nil {
		c.JSON(503, gin.H{"status": "loading"})
		return
	}
	resp := gin.H{"status": "healthy", "model": modelID}
	if len(devices) > 0 {
		resp["devices"] = devices
	}
	c.JSON(200, resp)
}
