// client.go
package email

import (
	// 标准库导入
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net/smtp"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	// 第三方库导入
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/jordan-wright/email"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	// 项目内部导入
	"taxiquality/src/config"
	"taxiquality/src/processor"
	"taxiquality/src/storage"
)

/******************** 常量定义 ********************/
const (
	MaxFetchMessages   = 100            // 单次最大获取邮件数量，防止内存溢出
	FetchBufferSize    = 10             // 邮件获取通道缓冲区大小
	RecentMailDuration = 24 * time.Hour // 判定为"新邮件"的时间范围
)

/******************** 接口定义 ********************/

// MailService 邮件服务核心接口
type MailService interface {
	// Connect 建立与邮件服务器的连接
	Connect() error

	// Disconnect 安全断开与邮件服务器的连接
	Disconnect()

	// FetchUnreadEmails 获取未读邮件列表
	FetchUnreadEmails() ([]*Email, error)
}

// EmailHandler 邮件处理器接口
type EmailHandler interface {
	// Handle 处理单个邮件
	Handle(email *Email) error
}

/******************** 数据结构 ********************/

// Email 邮件基础数据结构
type Email struct {
	UID         uint32        // 邮件唯一标识符(IMAP UID)
	Date        time.Time     // 邮件发送时间
	From        string        // 发件人信息(已解码)
	Subject     string        // 邮件主题(已解码)
	Attachments []*Attachment // 邮件附件列表
}

// Attachment 邮件附件数据结构
type Attachment struct {
	Filename string // 附件文件名(已解码)
	Content  []byte // 附件二进制内容
}

/******************** 邮件客户端实现 ********************/

// EmailClient IMAP邮件客户端实现
type EmailClient struct {
	server    string          // IMAP服务器地址(包含端口)
	username  string          // 登录用户名
	password  string          // 登录密码/授权码
	logger    *storage.Logger // 可为nil
	client    *client.Client  // IMAP客户端实例
	mu        sync.Mutex      // 线程安全锁
	connected bool            // 连接状态标记
}

// NewEmailClient 构造函数：创建邮件客户端实例
// 参数:
//   - server: 服务器地址(如"imap.qq.com:993")
//   - username: 邮箱账号
//   - password: 密码/授权码
func NewEmailClient(server, username, password string, logger *storage.Logger) *EmailClient {
	return &EmailClient{
		server:   server,
		username: username,
		password: password,
		logger:   logger,
	}
}

// Connect 建立安全连接(线程安全)
func (s *EmailClient) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 连接有效性检查
	if s.connected {
		if _, err := s.client.Capability(); err == nil {
			return nil
		}
		// 连接已失效则重置
		s.client.Logout()
		s.client = nil
	}

	c, err := client.DialTLS(s.server, nil)
	if err != nil {
		return fmt.Errorf("连接服务器失败: %w", err)
	}

	if err := c.Login(s.username, s.password); err != nil {
		c.Logout()
		return fmt.Errorf("登录失败: %w", err)
	}

	s.client = c
	s.connected = true
	return nil
}

// Disconnect 安全断开连接(线程安全)
func (s *EmailClient) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Logout()
		s.client = nil
	}
	s.connected = false
}

// FetchUnreadEmails 获取24小时内的未读邮件(线程安全)
func (s *EmailClient) FetchUnreadEmails() ([]*Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, fmt.Errorf("未连接到邮件服务器")
	}

	if _, err := s.client.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("选择邮箱失败: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = time.Now().Add(-RecentMailDuration)

	ids, err := s.client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("搜索邮件失败: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	// 限制获取数量
	if len(ids) > MaxFetchMessages {
		ids = ids[:MaxFetchMessages]
	}

	return s.fetchMessages(ids)
}

// fetchMessages 获取指定ID的邮件内容
func (s *EmailClient) fetchMessages(ids []uint32) ([]*Email, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, FetchBufferSize)
	done := make(chan error, 1)

	go func() {
		done <- s.client.Fetch(seqset, items, messages)
	}()

	var emails []*Email
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			s.logger.Warning(fmt.Sprintf("邮件 %d 正文为空", msg.Uid))
			continue
		}
		email, err := parseEmail(msg.Uid, r, s.logger)
		if err != nil {
			s.logger.Warning(fmt.Sprintf("解析邮件失败: %v", err))
			continue
		}
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("获取邮件内容失败: %w", err)
	}

	return emails, nil
}

/******************** 邮件解析相关 ********************/

// parseEmail 解析单封邮件的头部与附件
func parseEmail(uid uint32, r io.Reader, logger *storage.Logger) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("创建邮件阅读器失败: %w", err)
	}

	header := mr.Header
	date, _ := header.Date() // 日期解析错误不影响后续处理

	email := &Email{
		UID:     uid,
		Date:    date,
		From:    decodeHeader(header.Get("From")),
		Subject: decodeHeader(header.Get("Subject")),
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if h, ok := p.Header.(*mail.AttachmentHeader); ok {
			if err := parseAttachment(h, p.Body, email); err != nil {
				logger.Warning(fmt.Sprintf("解析附件失败: %v", err))
			}
		}
	}
	return email, nil
}

// parseAttachment 解析单个附件
func parseAttachment(h *mail.AttachmentHeader, body io.Reader, email *Email) error {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		return fmt.Errorf("无效的附件名")
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return fmt.Errorf("读取附件内容失败: %w", err)
	}

	email.Attachments = append(email.Attachments, &Attachment{
		Filename: decodeHeader(filename),
		Content:  buf.Bytes(),
	})
	return nil
}

/******************** 工具函数 ********************/

// decodeHeader 解码邮件头特殊编码
// 支持格式: =?charset?encoding?encoded-text?=
func decodeHeader(header string) string {
	decoder := mime.WordDecoder{
		CharsetReader: charsetReader,
	}

	decoded, err := decoder.DecodeHeader(header)
	if err != nil {
		return header // 解码失败返回原始内容
	}
	return decoded
}

// charsetReader 字符集转换器
// 支持GBK/GB2312自动转UTF-8
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	charset = strings.ToLower(charset)
	switch charset {
	case "gbk", "gb2312":
		return transform.NewReader(input, simplifiedchinese.GBK.NewDecoder()), nil
	default:
		return input, nil
	}
}

/******************** 业务逻辑函数 ********************/

// CheckAndProcessEmails 邮件处理主流程：取未读邮件，主题匹配的按日期从新到旧交给 handler
func CheckAndProcessEmails(mailService MailService, handler EmailHandler, subject string, logger *storage.Logger) error {
	startTime := time.Now()
	logger.Info("开始检查邮箱...")

	if err := mailService.Connect(); err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer mailService.Disconnect()

	emails, err := mailService.FetchUnreadEmails()
	if err != nil {
		return fmt.Errorf("获取邮件失败: %w", err)
	}

	if len(emails) == 0 {
		logger.Info("没有新邮件")
		return nil
	}

	targets := filterTargetEmails(emails, subject)
	if len(targets) == 0 {
		logger.Info("没有目标邮件")
		return nil
	}

	var errs []string
	for _, e := range targets {
		if err := handler.Handle(e); err != nil {
			errs = append(errs, fmt.Sprintf("邮件 %d: %v", e.UID, err))
		}
	}

	logger.Info(fmt.Sprintf("处理完成，耗时: %v", time.Since(startTime)))
	if len(errs) > 0 {
		return fmt.Errorf("处理邮件失败: %s", strings.Join(errs, "; "))
	}
	return nil
}

// filterTargetEmails 主题包含关键词的邮件，按日期降序
func filterTargetEmails(emails []*Email, keyword string) []*Email {
	var targetEmails []*Email
	for _, email := range emails {
		if strings.Contains(email.Subject, keyword) {
			targetEmails = append(targetEmails, email)
		}
	}

	sort.SliceStable(targetEmails, func(i, j int) bool {
		return targetEmails[i].Date.After(targetEmails[j].Date)
	})
	return targetEmails
}

/******************** 报告邮件 ********************/

// buildReport 组装清洗报告邮件，attachment 不存在时不附加
func buildReport(c *config.Config, res *processor.Result, attachment string) (*email.Email, error) {
	if len(c.SendEmail.To) == 0 {
		return nil, fmt.Errorf("未配置收件人")
	}

	e := email.NewEmail()
	e.From = fmt.Sprintf("Taxi Quality <%s>", c.SendEmail.Username)
	e.To = c.SendEmail.To
	e.Subject = fmt.Sprintf("%s (%s)", c.SendEmail.Subject, res.FinishedAt.Format("2006-01-02 15:04"))
	e.Text = []byte(fmt.Sprintf("run %s\n\n%s", res.RunID, res.Report.Summary()))

	if attachment != "" {
		if _, err := os.Stat(attachment); err == nil {
			if _, err := e.AttachFile(attachment); err != nil {
				return nil, fmt.Errorf("附件添加失败: %w", err)
			}
		}
	}
	return e, nil
}

// SendReport 通过 SMTP(显式 TLS) 发送清洗报告
func SendReport(c *config.Config, res *processor.Result, attachment string) error {
	e, err := buildReport(c, res, attachment)
	if err != nil {
		return err
	}

	// 确保服务器地址包含端口
	smtpAddr := c.SendEmail.Server
	if !strings.Contains(smtpAddr, ":") {
		smtpAddr += ":465" // 默认 SSL 端口
	}
	host := strings.Split(smtpAddr, ":")[0]

	err = e.SendWithTLS(
		smtpAddr,
		smtp.PlainAuth("", c.SendEmail.Username, c.SendEmail.Password, host),
		&tls.Config{ServerName: host},
	)
	if err != nil {
		return fmt.Errorf("邮件发送失败 (Server: %s): %w", smtpAddr, err)
	}
	return nil
}
